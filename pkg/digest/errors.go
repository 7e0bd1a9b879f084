package digest

import "errors"

// Errors surfaced by the subscription and delivery pipeline. The synchronous
// subscribe/unsubscribe path returns them to the caller; the asynchronous
// delivery path only ever logs them.
var (
	// ErrNotAuthorized means the caller lacks permission on the page.
	ErrNotAuthorized = errors.New("not authorized to subscribe to page")

	// ErrInvalidUser means the user cannot receive notifications,
	// typically because no email is on file or the subscribe capability
	// is missing.
	ErrInvalidUser = errors.New("user cannot be validated for notifications")

	// ErrNoSuchUser means the user lookup failed upstream.
	ErrNoSuchUser = errors.New("no such user")

	// ErrNoSuchSite means the site settings lookup failed upstream.
	ErrNoSuchSite = errors.New("no such site")

	// ErrRenderFailure means a page change fragment could not be rendered.
	ErrRenderFailure = errors.New("render failure")

	// ErrTransportFailure means the composed email could not be handed to
	// the transport. Digests are dropped, never retried.
	ErrTransportFailure = errors.New("email transport failure")

	// ErrEmptyDigest means composition produced no renderable entries;
	// there is nothing to send.
	ErrEmptyDigest = errors.New("empty digest")

	// ErrServiceUnavailable means the orchestrator is not accepting calls.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrNotFound means a stored subscription document does not exist.
	ErrNotFound = errors.New("subscription document not found")
)
