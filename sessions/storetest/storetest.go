// Package storetest is the conformance suite every sessions.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/sessions"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// StoreFactory creates a new, empty Store for one subtest.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_ThenGet", func(t *testing.T) { testCreateGet(t, factory) })
	t.Run("Create_DuplicateFails", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("Get_UnknownIsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Update_ReplacesWholeRecord", func(t *testing.T) { testUpdateReplaces(t, factory) })
	t.Run("Update_DeletedIsNotFound", func(t *testing.T) { testUpdateDeleted(t, factory) })
	t.Run("Get_ReturnsIndependentCopies", func(t *testing.T) { testIndependentCopies(t, factory) })
	t.Run("Many_IndexAligned", func(t *testing.T) { testMany(t, factory) })
	t.Run("LastEventID_RoundTrip", func(t *testing.T) { testLastEventID(t, factory) })
	t.Run("Concurrent_DistinctSessions", func(t *testing.T) { testConcurrent(t, factory) })
}

func newSession() *sessions.Session {
	return sessions.New(uuid.NewString(), transport.KindHTTP, protocol.AcceptsJSON|protocol.AcceptsEventStream)
}

func testCreateGet(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession()
	s.UpstreamKind = transport.KindStdio
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := st.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != s.ID || got.State != sessions.Idle || got.ClientKind != transport.KindHTTP || got.UpstreamKind != transport.KindStdio {
		t.Fatalf("unexpected session %+v", got)
	}
	if !got.Capabilities.Has(protocol.AcceptsEventStream) {
		t.Fatalf("capabilities lost: %s", got.Capabilities)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not set")
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession()
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(ctx, s); !errors.Is(err, sessions.ErrExists) {
		t.Fatalf("duplicate Create err = %v, want ErrExists", err)
	}
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	st := factory(t)
	if _, err := st.Get(context.Background(), "missing"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testUpdateReplaces(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession()
	s.LastEventID = "7"
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	next, err := s.Transition(sessions.Negotiating)
	if err != nil {
		t.Fatal(err)
	}
	next.ProtocolVersion = "2025-06-18"
	next.LastEventID = ""
	if err := st.Update(ctx, next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := st.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != sessions.Negotiating || got.ProtocolVersion != "2025-06-18" || got.LastEventID != "" {
		t.Fatalf("update not applied as whole record: %+v", got)
	}
}

func testUpdateDeleted(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession()
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Update(ctx, s); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Update after Delete err = %v, want ErrNotFound", err)
	}
	if _, err := st.Get(ctx, s.ID); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

func testIndependentCopies(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession()
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, _ := st.Get(ctx, s.ID)
	a.ProtocolVersion = "changed"
	b, _ := st.Get(ctx, s.ID)
	if b.ProtocolVersion == "changed" {
		t.Fatalf("store returned shared state")
	}
}

func testMany(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	a, b := newSession(), newSession()
	for _, s := range []*sessions.Session{a, b} {
		if err := st.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	got, err := st.GetMany(ctx, []string{a.ID, "missing", b.ID})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 3 || got[0] == nil || got[1] != nil || got[2] == nil || got[2].ID != b.ID {
		t.Fatalf("GetMany not index aligned: %+v", got)
	}

	a2, _ := a.Transition(sessions.Closing)
	b2, _ := b.Transition(sessions.Negotiating)
	if err := st.UpdateMany(ctx, []*sessions.Session{a2, b2}); err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	got, _ = st.GetMany(ctx, []string{a.ID, b.ID})
	if got[0].State != sessions.Closing || got[1].State != sessions.Negotiating {
		t.Fatalf("UpdateMany not applied: %s %s", got[0].State, got[1].State)
	}

	ghost := newSession()
	if err := st.UpdateMany(ctx, []*sessions.Session{a2, ghost}); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("UpdateMany with unknown id err = %v, want ErrNotFound", err)
	}
}

func testLastEventID(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	s := newSession()
	if err := st.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id, err := st.GetLastEventID(ctx, s.ID); err != nil || id != "" {
		t.Fatalf("initial last event id = %q, %v", id, err)
	}
	for _, id := range []string{"1", "2", "3"} {
		if err := st.StoreLastEventID(ctx, s.ID, id); err != nil {
			t.Fatalf("StoreLastEventID: %v", err)
		}
	}
	if id, err := st.GetLastEventID(ctx, s.ID); err != nil || id != "3" {
		t.Fatalf("last event id = %q, %v; want 3", id, err)
	}
	st.Delete(ctx, s.ID)
	if id, _ := st.GetLastEventID(ctx, s.ID); id != "" {
		t.Fatalf("last event id survived Delete: %q", id)
	}
}

func testConcurrent(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newSession()
			if err := st.Create(ctx, s); err != nil {
				errs <- err
				return
			}
			s2, _ := s.Transition(sessions.Negotiating)
			if err := st.Update(ctx, s2); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent op: %v", err)
	}
}
