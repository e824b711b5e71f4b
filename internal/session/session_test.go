package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/walnut-ai/was/internal/storage"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name string
	open func(t *testing.T, opts Options, clock Clock) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, opts Options, clock Clock) Store {
			return NewMemoryStoreWithClock(opts, clock)
		}},
		{"sqlite", func(t *testing.T, opts Options, clock Clock) Store {
			st, err := storage.Open(":memory:")
			if err != nil {
				t.Fatalf("storage.Open: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return NewSQLiteStoreWithClock(st, opts, clock)
		}},
	}
}

func TestWindowKeepsMostRecentTurns(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, Options{Window: 3}, &mockClock{now: time.Now()})
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				if err := s.Add(ctx, "u1", RoleUser, fmt.Sprintf("m%d", i)); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}

			got := s.Context(ctx, "u1")
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			for i, want := range []string{"m2", "m3", "m4"} {
				if got[i].Content != want {
					t.Errorf("got[%d] = %q, want %q", i, got[i].Content, want)
				}
			}
		})
	}
}

func TestDefaultWindowDropsOldestOfEleven(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, Options{Window: 10}, &mockClock{now: time.Now()})
			ctx := context.Background()

			for i := 1; i <= 11; i++ {
				if err := s.Add(ctx, "u1", RoleUser, fmt.Sprintf("turn %d", i)); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}

			got := s.Context(ctx, "u1")
			if len(got) != 10 {
				t.Fatalf("len = %d, want 10", len(got))
			}
			for i, turn := range got {
				if want := fmt.Sprintf("turn %d", i+2); turn.Content != want {
					t.Errorf("got[%d] = %q, want %q", i, turn.Content, want)
				}
			}
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := &mockClock{now: time.Now()}
			s := b.open(t, Options{TTL: time.Minute}, clock)
			ctx := context.Background()

			if err := s.Add(ctx, "u1", RoleUser, "hello"); err != nil {
				t.Fatalf("Add: %v", err)
			}
			clock.Advance(59 * time.Second)
			if got := s.Context(ctx, "u1"); len(got) != 1 {
				t.Errorf("before TTL: len = %d, want 1", len(got))
			}

			// Add restarts the timer.
			if err := s.Add(ctx, "u1", RoleAssistant, "hi"); err != nil {
				t.Fatalf("Add: %v", err)
			}
			clock.Advance(59 * time.Second)
			if got := s.Context(ctx, "u1"); len(got) != 2 {
				t.Errorf("after refresh: len = %d, want 2", len(got))
			}

			clock.Advance(time.Second)
			if got := s.Context(ctx, "u1"); len(got) != 0 {
				t.Errorf("after TTL: len = %d, want 0", len(got))
			}

			// A new Add after expiry starts from an empty history.
			if err := s.Add(ctx, "u1", RoleUser, "again"); err != nil {
				t.Fatalf("Add: %v", err)
			}
			got := s.Context(ctx, "u1")
			if len(got) != 1 || got[0].Content != "again" {
				t.Errorf("after re-add: %+v", got)
			}
		})
	}
}

func TestClearIsIdempotent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, Options{}, &mockClock{now: time.Now()})
			ctx := context.Background()

			if err := s.Clear(ctx, "nobody"); err != nil {
				t.Fatalf("Clear unknown: %v", err)
			}
			if err := s.Add(ctx, "u1", RoleUser, "x"); err != nil {
				t.Fatalf("Add: %v", err)
			}
			for i := 0; i < 2; i++ {
				if err := s.Clear(ctx, "u1"); err != nil {
					t.Fatalf("Clear #%d: %v", i, err)
				}
				if got := s.Context(ctx, "u1"); len(got) != 0 {
					t.Errorf("Context after Clear = %+v, want empty", got)
				}
			}
		})
	}
}

func TestContextUnknownUserIsEmptyNotNil(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, Options{}, &mockClock{now: time.Now()})
			got := s.Context(context.Background(), "ghost")
			if got == nil || len(got) != 0 {
				t.Errorf("Context = %#v, want empty non-nil slice", got)
			}
		})
	}
}

func TestConcurrentAddsSameUser(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, Options{Window: 100}, realClock{})
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Add(ctx, "u1", RoleUser, fmt.Sprintf("m%d", i)); err != nil {
						t.Errorf("Add: %v", err)
					}
				}()
			}
			wg.Wait()

			if got := s.Context(ctx, "u1"); len(got) != 20 {
				t.Errorf("len = %d, want 20 (lost updates)", len(got))
			}
		})
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	s := NewMemoryStoreWithClock(Options{Capacity: 2}, &mockClock{now: time.Now()})
	ctx := context.Background()

	s.Add(ctx, "a", RoleUser, "1")
	s.Add(ctx, "b", RoleUser, "1")
	s.Context(ctx, "a") // a becomes most recently used
	s.Add(ctx, "c", RoleUser, "1")

	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if got := s.Context(ctx, "b"); len(got) != 0 {
		t.Errorf("b should have been evicted, got %+v", got)
	}
	if got := s.Context(ctx, "a"); len(got) != 1 {
		t.Errorf("a should survive, got %+v", got)
	}
}

func TestSQLitePurgeExpired(t *testing.T) {
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &mockClock{now: time.Now()}
	s := NewSQLiteStoreWithClock(st, Options{TTL: time.Minute}, clock)
	ctx := context.Background()

	s.Add(ctx, "old", RoleUser, "x")
	clock.Advance(2 * time.Minute)
	s.Add(ctx, "fresh", RoleUser, "y")

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if got := s.Context(ctx, "fresh"); len(got) != 1 {
		t.Errorf("fresh session lost: %+v", got)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("assistant"); err != nil || r != RoleAssistant {
		t.Errorf("ParseRole(assistant) = %q, %v", r, err)
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Error("ParseRole(admin) should fail")
	}
}
