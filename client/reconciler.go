package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tasksync/domain"
)

// ErrGap means a fact arrived with a seq beyond the next expected one. The
// projection can no longer be trusted and the connection must resync.
var ErrGap = errors.New("fact sequence gap")

type State int

const (
	Uninitialized State = iota
	Synced
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Synced:
		return "synced"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Entry is one row of the rendered view. Pending entries are local
// optimistic adds that the coordinator has not confirmed yet; they carry a
// client-local TempID and a zero task id.
type Entry struct {
	domain.Task
	Pending bool   `json:"pending,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}

type provisional struct {
	tempID    string
	title     string
	createdBy string
	at        time.Time
}

// Reconciler is the per-connection state machine: Uninitialized until the
// first snapshot, then Synced. It is safe for concurrent use.
type Reconciler struct {
	mu          sync.Mutex
	state       State
	seq         uint64
	confirmed   []domain.Task
	provisional []provisional
	nextTemp    uint64

	optimistic bool
	window     time.Duration
	now        func() time.Time
}

type Option func(*Reconciler)

// WithOptimistic enables provisional entries for local adds. A provisional
// entry is replaced by the first created fact with the same title and
// creator that arrives within window, and expires after window otherwise.
func WithOptimistic(window time.Duration) Option {
	return func(r *Reconciler) {
		if window <= 0 {
			window = 10 * time.Second
		}
		r.optimistic = true
		r.window = window
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds f into the projection and reports whether the view changed.
// Facts before the first snapshot are ignored. Facts carrying a seq are
// checked against the last applied one: duplicates are ignored and a gap
// returns ErrGap and drops back to Uninitialized.
func (r *Reconciler) Apply(f domain.Fact) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Kind == domain.TaskListSnapshot {
		r.confirmed = Reduce(nil, f)
		r.provisional = nil
		r.seq = f.Seq
		r.state = Synced
		return true, nil
	}
	if r.state != Synced {
		return false, nil
	}
	if f.Seq != 0 {
		switch {
		case f.Seq <= r.seq:
			return false, nil
		case f.Seq > r.seq+1:
			expected := r.seq + 1
			r.resetLocked()
			return false, fmt.Errorf("%w: expected seq %d, got %d", ErrGap, expected, f.Seq)
		}
		r.seq = f.Seq
	}

	before := len(r.confirmed)
	next := Reduce(r.confirmed, f)
	changed := len(next) != before || f.Kind == domain.TaskUpdated && indexOf(next, f.Task.ID) >= 0
	r.confirmed = next
	if f.Kind == domain.TaskCreated && r.confirmProvisional(f.Task) {
		changed = true
	}
	return changed, nil
}

func (r *Reconciler) confirmProvisional(t domain.Task) bool {
	now := r.now()
	for i, p := range r.provisional {
		if p.title == t.Title && p.createdBy == t.CreatedBy && now.Sub(p.at) <= r.window {
			r.provisional = append(r.provisional[:i], r.provisional[i+1:]...)
			return true
		}
	}
	return false
}

// Reset discards everything, including unconfirmed provisional entries. The
// connector calls it on every (re)connect before the new snapshot arrives.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Reconciler) resetLocked() {
	r.state = Uninitialized
	r.seq = 0
	r.confirmed = nil
	r.provisional = nil
}

// AddProvisional records a local add that has not been confirmed. It
// returns the temporary id, or "" when optimistic mode is off, the
// reconciler is not synced, or the title would be rejected by the
// coordinator anyway.
func (r *Reconciler) AddProvisional(title, createdBy string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.optimistic || r.state != Synced || strings.TrimSpace(title) == "" {
		return ""
	}
	r.nextTemp++
	id := "tmp-" + strconv.FormatUint(r.nextTemp, 10)
	r.provisional = append(r.provisional, provisional{
		tempID:    id,
		title:     title,
		createdBy: createdBy,
		at:        r.now(),
	})
	return id
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Seq is the seq of the last applied fact.
func (r *Reconciler) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Projection returns a copy of the confirmed tasks in creation order.
func (r *Reconciler) Projection() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Task{}, r.confirmed...)
}

// View returns confirmed tasks followed by unexpired provisional entries.
func (r *Reconciler) View() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	live := r.provisional[:0]
	for _, p := range r.provisional {
		if now.Sub(p.at) <= r.window {
			live = append(live, p)
		}
	}
	r.provisional = live

	out := make([]Entry, 0, len(r.confirmed)+len(live))
	for _, t := range r.confirmed {
		out = append(out, Entry{Task: t})
	}
	for _, p := range live {
		out = append(out, Entry{
			Task:    domain.Task{Title: p.title, CreatedBy: p.createdBy},
			Pending: true,
			TempID:  p.tempID,
		})
	}
	return out
}
