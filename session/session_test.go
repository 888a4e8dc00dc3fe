package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/domain"
)

type fakeConn struct {
	in     chan domain.Intent
	out    chan domain.Fact
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan domain.Intent, 8),
		out:    make(chan domain.Fact, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadIntent(ctx context.Context) (domain.Intent, error) {
	select {
	case in, ok := <-c.in:
		if !ok {
			return domain.Intent{}, io.EOF
		}
		return in, nil
	case <-c.closed:
		return domain.Intent{}, io.ErrClosedPipe
	case <-ctx.Done():
		return domain.Intent{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFact(ctx context.Context, f domain.Fact) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeHub struct {
	mu        sync.Mutex
	joined    []domain.FactSink
	left      []domain.FactSink
	submitted []domain.Intent
	submitErr error
}

func (h *fakeHub) Join(ctx context.Context, s domain.FactSink) error {
	h.mu.Lock()
	h.joined = append(h.joined, s)
	h.mu.Unlock()
	s.Deliver(domain.NewSnapshot(nil, 0))
	return nil
}

func (h *fakeHub) Leave(s domain.FactSink) {
	h.mu.Lock()
	h.left = append(h.left, s)
	h.mu.Unlock()
}

func (h *fakeHub) Submit(ctx context.Context, in domain.Intent) (domain.Fact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submitted = append(h.submitted, in)
	return domain.Fact{}, h.submitErr
}

func (h *fakeHub) intents() []domain.Intent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Intent(nil), h.submitted...)
}

type memDeduper struct {
	mu      sync.Mutex
	keys    map[string]bool
	removed []string
}

func (d *memDeduper) ClaimIntent(ctx context.Context, in domain.Intent) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := in.DedupeKey()
	if d.keys[k] {
		return false, nil
	}
	d.keys[k] = true
	return true, nil
}

func (d *memDeduper) ReleaseIntent(ctx context.Context, in domain.Intent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, in.DedupeKey())
	d.removed = append(d.removed, in.DedupeKey())
	return nil
}

func serve(t *testing.T, s *Session, conn Conn, hub Hub) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), conn, hub) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestDeliverIsNonBlocking(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New("alice", logger, WithMailboxSize(2))
	if !s.Deliver(domain.NewDeleted(1)) || !s.Deliver(domain.NewDeleted(2)) {
		t.Fatal("deliver into empty mailbox failed")
	}
	if s.Deliver(domain.NewDeleted(3)) {
		t.Fatal("deliver into full mailbox succeeded")
	}
	s.Close()
	s.Close()
	<-s.mailbox
	if s.Deliver(domain.NewDeleted(4)) {
		t.Fatal("deliver after close succeeded")
	}
}

func TestServeRelaysInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New("alice", logger)
	conn, hub := newFakeConn(), &fakeHub{}
	done := serve(t, s, conn, hub)

	if f := <-conn.out; f.Kind != domain.TaskListSnapshot {
		t.Fatalf("first frame = %s", f.Kind)
	}
	for i := int64(1); i <= 5; i++ {
		s.Deliver(domain.NewDeleted(i))
	}
	for i := int64(1); i <= 5; i++ {
		if f := <-conn.out; f.ID != i {
			t.Fatalf("frame %d has id %d", i, f.ID)
		}
	}

	conn.in <- domain.NewToggleTask(3)
	conn.in <- domain.NewAddTask("Buy milk", "")
	close(conn.in)
	if err := waitErr(t, done); !errors.Is(err, io.EOF) {
		t.Fatalf("Serve() = %v, want EOF", err)
	}

	got := hub.intents()
	if len(got) != 2 || got[0].ID != 3 || got[1].User != "alice" {
		t.Fatalf("submitted = %+v", got)
	}
	if len(hub.left) != 1 || hub.left[0] != domain.FactSink(s) {
		t.Fatal("session did not leave the hub")
	}
}

func TestServeDropsDomainErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := New("alice", logger)
	conn := newFakeConn()
	hub := &fakeHub{submitErr: domain.ErrNotFound}
	done := serve(t, s, conn, hub)

	conn.in <- domain.NewDeleteTask(9)
	conn.in <- domain.NewDeleteTask(9)
	close(conn.in)
	if err := waitErr(t, done); !errors.Is(err, io.EOF) {
		t.Fatalf("Serve() = %v", err)
	}
	if len(hub.intents()) != 2 {
		t.Fatal("drop ended the session early")
	}
	for _, e := range hook.AllEntries() {
		if e.Level <= log.WarnLevel {
			t.Fatalf("unexpected %s log: %s", e.Level, e.Message)
		}
	}
}

func TestServeEndsOnEviction(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New("alice", logger)
	conn, hub := newFakeConn(), &fakeHub{}
	done := serve(t, s, conn, hub)
	<-conn.out

	s.Deliver(domain.NewDeleted(1))
	s.Close()
	if err := waitErr(t, done); !errors.Is(err, ErrEvicted) {
		t.Fatalf("Serve() = %v, want ErrEvicted", err)
	}
	select {
	case <-conn.closed:
	default:
		t.Fatal("conn not closed after eviction")
	}
}

func TestServeDeduplicatesKeys(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := &memDeduper{keys: map[string]bool{}}
	s := New("alice", logger, WithDeduper(d))
	conn, hub := newFakeConn(), &fakeHub{}
	done := serve(t, s, conn, hub)

	add := domain.NewAddTask("once", "alice")
	add.Key = "k1"
	conn.in <- add
	conn.in <- add
	toggle := domain.NewToggleTask(1)
	toggle.Key = "k1"
	conn.in <- toggle
	conn.in <- domain.NewToggleTask(1)
	conn.in <- domain.NewToggleTask(1)
	close(conn.in)
	waitErr(t, done)

	got := hub.intents()
	if len(got) != 4 {
		t.Fatalf("submitted %d intents, want 4: %+v", len(got), got)
	}
	if !d.keys["alice:addTask:k1"] || !d.keys[":toggleTask:k1"] {
		t.Fatalf("keys = %v", d.keys)
	}
}

func TestServeReleasesKeyWhenHubStopped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := &memDeduper{keys: map[string]bool{}}
	s := New("alice", logger, WithDeduper(d))
	conn := newFakeConn()
	stopped := errors.New("stopped")
	hub := &fakeHub{submitErr: stopped}
	done := serve(t, s, conn, hub)

	in := domain.NewDeleteTask(1)
	in.Key = "k"
	conn.in <- in
	if err := waitErr(t, done); !errors.Is(err, stopped) {
		t.Fatalf("Serve() = %v", err)
	}
	if len(d.removed) != 1 || d.keys[":deleteTask:k"] {
		t.Fatalf("key not released: %v", d.removed)
	}
}

func TestDedupeScopeIgnoresConnectionUser(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := &memDeduper{keys: map[string]bool{}}
	hub := &fakeHub{}

	toggle := domain.NewToggleTask(1)
	toggle.Key = "t1"
	add := domain.NewAddTask("milk", "")
	add.Key = "a1"

	for _, user := range []string{"alice", "bob"} {
		s := New(user, logger, WithDeduper(d))
		conn := newFakeConn()
		done := serve(t, s, conn, hub)
		conn.in <- toggle
		conn.in <- add
		close(conn.in)
		waitErr(t, done)
	}

	got := hub.intents()
	if len(got) != 3 {
		t.Fatalf("submitted %d intents, want 3: %+v", len(got), got)
	}
	if got[0].Kind != domain.ToggleTask || got[1].User != "alice" || got[2].User != "bob" {
		t.Fatalf("submitted = %+v", got)
	}
	if !d.keys[":toggleTask:t1"] || !d.keys["alice:addTask:a1"] || !d.keys["bob:addTask:a1"] {
		t.Fatalf("keys = %v", d.keys)
	}
}
