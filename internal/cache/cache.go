// Package cache persists directory trees across workflow runs.
//
// Entries are immutable compressed tar archives stored under a key. They are
// looked up by exact key or by key prefix, when multiple entries match a
// prefix the most recently stored one wins.
package cache

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const loggerName = "cache"

// MaxKeyLength is the maximum length of a cache key.
const MaxKeyLength = 512

//go:generate mockgen -destination mocks/gateway.go -package mocks . Gateway

// Gateway restores and saves directory trees from and to a cache.
type Gateway interface {
	// Restore looks up primaryKey and then every entry of restoreKeys
	// as prefix and extracts the first match over paths.
	// It returns the key of the restored entry, an empty string if none
	// matched.
	Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (string, error)
	// Save stores paths under key and returns the size of the stored
	// archive. Entries are immutable, saving an existing key stores
	// nothing and returns 0.
	Save(ctx context.Context, paths []string, key string) (int64, error)
}

// Store is a blob store for cache archives.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// FindLatest returns the most recently stored key that starts with
	// prefix. If no key matches an empty string is returned.
	FindLatest(ctx context.Context, prefix string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// ValidateKey returns an error if s can not be used as cache key or key
// prefix.
func ValidateKey(s string) error {
	if s == "" {
		return fmt.Errorf("key cannot be empty")
	}

	if len(s) > MaxKeyLength {
		return fmt.Errorf("key exceeds maximum length of %d bytes", MaxKeyLength)
	}

	if strings.Contains(s, "..") || strings.Contains(s, "\\") || strings.ContainsRune(s, 0) || strings.Contains(s, ",") {
		return fmt.Errorf("key contains invalid characters")
	}

	if strings.HasPrefix(s, "/") {
		return fmt.Errorf("key cannot start with /")
	}

	return nil
}

// Disabled is a Gateway that does not cache anything.
// Restore always reports a miss and Save stores nothing.
type Disabled struct{}

func (Disabled) Restore(context.Context, []string, string, []string) (string, error) {
	return "", nil
}

func (Disabled) Save(context.Context, []string, string) (int64, error) {
	return 0, nil
}
