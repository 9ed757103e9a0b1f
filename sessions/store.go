package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-proxy-go/storage"
)

var (
	// ErrNotFound is returned for an unknown or expired session id.
	ErrNotFound = errors.New("sessions: not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("sessions: already exists")
)

// Store persists sessions. Update replaces the whole record; callers never
// mutate a stored session in place.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// GetMany returns sessions index-aligned with ids; unknown ids yield nil.
	GetMany(ctx context.Context, ids []string) ([]*Session, error)
	UpdateMany(ctx context.Context, ss []*Session) error
	StoreLastEventID(ctx context.Context, id, eventID string) error
	GetLastEventID(ctx context.Context, id string) (string, error)
}

const (
	sessionNamespace = "sessions"
	eventNamespace   = "last-event"
)

// KVStore implements Store over a storage.Storage backend.
type KVStore struct {
	backend storage.Storage
	ttl     time.Duration
	now     func() time.Time
}

var _ Store = (*KVStore)(nil)

// StoreOption configures a KVStore.
type StoreOption func(*KVStore)

// WithTTL expires sessions that have not been written for ttl.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *KVStore) {
		s.ttl = ttl
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *KVStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds a Store on backend.
func NewStore(backend storage.Storage, opts ...StoreOption) *KVStore {
	s := &KVStore{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KVStore) encode(sess *Session) ([]byte, error) {
	c := sess.Clone()
	c.UpdatedAt = s.now().UTC()
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return b, nil
}

func decode(it *storage.Item) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(it.Data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *KVStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("sessions: create requires an id")
	}
	b, err := s.encode(sess)
	if err != nil {
		return err
	}
	err = s.backend.Set(ctx, sess.ID, b, storage.WithNamespace(sessionNamespace), storage.WithTTL(s.ttl), storage.WithIfAbsent())
	if errors.Is(err, storage.ErrExists) {
		return fmt.Errorf("%w: %s", ErrExists, sess.ID)
	}
	return err
}

func (s *KVStore) Get(ctx context.Context, id string) (*Session, error) {
	it, err := s.backend.Get(ctx, id, storage.WithNamespace(sessionNamespace))
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(it)
}

// Update replaces the stored record. It fails with ErrNotFound when the
// session was deleted or expired, so a late writer cannot resurrect it.
func (s *KVStore) Update(ctx context.Context, sess *Session) error {
	if _, err := s.Get(ctx, sess.ID); err != nil {
		return err
	}
	b, err := s.encode(sess)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, sess.ID, b, storage.WithNamespace(sessionNamespace), storage.WithTTL(s.ttl))
}

func (s *KVStore) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, storage.WithNamespace(sessionNamespace), storage.WithKey(id)); err != nil {
		return err
	}
	return s.backend.Delete(ctx, storage.WithNamespace(eventNamespace), storage.WithKey(id))
}

func (s *KVStore) GetMany(ctx context.Context, ids []string) ([]*Session, error) {
	items, err := s.backend.GetMany(ctx, ids, storage.WithNamespace(sessionNamespace))
	if err != nil {
		return nil, err
	}
	out := make([]*Session, len(ids))
	for i, it := range items {
		if it == nil {
			continue
		}
		if out[i], err = decode(it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateMany replaces several records in one backend write. Every session
// must already exist.
func (s *KVStore) UpdateMany(ctx context.Context, ss []*Session) error {
	if len(ss) == 0 {
		return nil
	}
	ids := make([]string, len(ss))
	for i, sess := range ss {
		ids[i] = sess.ID
	}
	existing, err := s.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	items := make(map[string][]byte, len(ss))
	for i, sess := range ss {
		if existing[i] == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
		}
		if items[sess.ID], err = s.encode(sess); err != nil {
			return err
		}
	}
	return s.backend.SetMany(ctx, items, storage.WithNamespace(sessionNamespace), storage.WithTTL(s.ttl))
}

func (s *KVStore) StoreLastEventID(ctx context.Context, id, eventID string) error {
	return s.backend.Set(ctx, id, []byte(eventID), storage.WithNamespace(eventNamespace), storage.WithTTL(s.ttl))
}

// GetLastEventID returns "" when no event id was recorded.
func (s *KVStore) GetLastEventID(ctx context.Context, id string) (string, error) {
	it, err := s.backend.Get(ctx, id, storage.WithNamespace(eventNamespace))
	if err != nil || it == nil {
		return "", err
	}
	return string(it.Data), nil
}
