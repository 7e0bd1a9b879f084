// Package storage handles persistence of subscription documents.
//
// One JSON document is stored per (tenant, user) under the stable path
// subscriptions/{tenant}/user_{id}.json, either in a Cloud Storage bucket or,
// for development, on the local filesystem.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"wikinotify/pkg/digest"
)

const keyPrefix = "subscriptions/"

// Store handles subscription document persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is non-empty the store
// runs in local filesystem mode and client may be nil.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// documentKey builds the stable object path for one user's document.
func documentKey(tenant digest.TenantID, user digest.UserID) string {
	return fmt.Sprintf("%s%s/user_%d.json", keyPrefix, tenant, user)
}

// parseKey recovers (tenant, user) from an object path; ok is false for
// stray objects that do not follow the document layout.
func parseKey(key string) (tenant digest.TenantID, user digest.UserID, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", 0, false
	}
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return "", 0, false
	}
	tenant = digest.TenantID(rest[:slash])
	name := rest[slash+1:]
	name, found = strings.CutPrefix(name, "user_")
	if !found {
		return "", 0, false
	}
	name, found = strings.CutSuffix(name, ".json")
	if !found {
		return "", 0, false
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return tenant, digest.UserID(id), true
}

// Save persists one user's subscription document.
func (s *Store) Save(ctx context.Context, tenant digest.TenantID, doc *digest.Document) error {
	key := documentKey(tenant, doc.UserID)
	s.logger.Debug("Saving subscription document", "key", key, "tenant", tenant, "user", doc.UserID)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Document saved to local storage", "path", filePath, "tenant", tenant, "user", doc.UserID, "subscription_count", len(doc.Subscriptions))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Document saved", "key", key, "tenant", tenant, "user", doc.UserID, "subscription_count", len(doc.Subscriptions))
	return nil
}

// Load loads one user's subscription document. Returns digest.ErrNotFound
// when no document exists.
func (s *Store) Load(ctx context.Context, tenant digest.TenantID, user digest.UserID) (*digest.Document, error) {
	key := documentKey(tenant, user)
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, digest.ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(digest.ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if errors.Is(err, digest.ErrNotFound) {
				return nil, digest.ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var doc digest.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}

	return &doc, nil
}

// Delete removes one user's subscription document. Deleting a missing
// document is not an error.
func (s *Store) Delete(ctx context.Context, tenant digest.TenantID, user digest.UserID) error {
	key := documentKey(tenant, user)
	s.logger.Debug("Deleting subscription document", "key", key, "tenant", tenant, "user", user)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Document deleted from local storage", "path", filePath, "tenant", tenant, "user", user)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent, "not found" is fine
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Document deleted", "key", key, "tenant", tenant, "user", user)
	return nil
}

// LoadAll loads every persisted subscription document, grouped by tenant.
// Unreadable documents are logged and skipped so one corrupt file cannot
// block startup.
func (s *Store) LoadAll(ctx context.Context) (map[digest.TenantID][]*digest.Document, error) {
	all := make(map[digest.TenantID][]*digest.Document)

	// Local filesystem storage
	if s.localPath != "" {
		root := filepath.Join(s.localPath, "subscriptions")
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return all, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, tenantDir := range entries {
			if !tenantDir.IsDir() {
				s.logger.Warn("Found stray file in subscription store, ignoring", "name", tenantDir.Name())
				continue
			}
			tenant := digest.TenantID(tenantDir.Name())
			files, err := os.ReadDir(filepath.Join(root, tenantDir.Name()))
			if err != nil {
				return nil, fmt.Errorf("read tenant directory: %w", err)
			}
			for _, f := range files {
				key := keyPrefix + tenantDir.Name() + "/" + f.Name()
				_, user, ok := parseKey(key)
				if !ok {
					s.logger.Warn("Found stray file in tenant store, ignoring", "tenant", tenant, "name", f.Name())
					continue
				}
				doc, err := s.Load(ctx, tenant, user)
				if err != nil {
					s.logger.Warn("Failed to load document", "tenant", tenant, "user", user, "error", err)
					continue
				}
				all[tenant] = append(all[tenant], doc)
			}
		}
		return all, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: keyPrefix,
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		tenant, user, ok := parseKey(attrs.Name)
		if !ok {
			s.logger.Warn("Found stray object in subscription store, ignoring", "key", attrs.Name)
			continue
		}
		doc, err := s.Load(ctx, tenant, user)
		if err != nil {
			s.logger.Warn("Failed to load document", "key", attrs.Name, "error", err)
			continue
		}
		all[tenant] = append(all[tenant], doc)
	}

	return all, nil
}
