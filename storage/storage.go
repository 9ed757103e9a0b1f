// Package storage is the key/value layer the session store persists through.
// Keys live in optional namespaces and may carry a TTL.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the backend contract. Missing or expired keys are not
// errors: Get returns a nil item and GetMany a nil slot.
type Storage interface {
	// Get retrieves the item for key.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// GetMany retrieves several keys in one round trip. The result is
	// index-aligned with keys.
	GetMany(ctx context.Context, keys []string, opts ...Option) ([]*Item, error)

	// Set stores data for key. With WithIfAbsent it fails with ErrExists when
	// the key is already present.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// SetMany stores several keys atomically where the backend allows it.
	SetMany(ctx context.Context, items map[string][]byte, opts ...Option) error

	// Delete removes the key named by WithKey, or the entire namespace when
	// no key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures one storage operation.
type Option func(*Options)

// Options is the parsed form of a set of Option values.
type Options struct {
	Namespace string
	Key       *string
	TTL       *time.Duration
	IfAbsent  bool
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(o *Options) {
		o.Namespace = ns
	}
}

// WithKey names the key a Delete removes.
func WithKey(key string) Option {
	return func(o *Options) {
		o.Key = &key
	}
}

// WithTTL expires the written data after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = &ttl
		}
	}
}

// WithIfAbsent makes Set fail with ErrExists instead of overwriting.
func WithIfAbsent() Option {
	return func(o *Options) {
		o.IfAbsent = true
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrExists is returned by Set with WithIfAbsent when the key is present.
	ErrExists = errors.New("storage: key exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)
