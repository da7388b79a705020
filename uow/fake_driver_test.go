package uow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LerianStudio/lib-uow/uow/log"
)

// ---------------------------------------------------------------------------
// Fake driver
//
// The store models durability: rows live in a handle's buffer while
// autocommit is suspended and only reach the store on commit. With
// autocommit enabled every write lands in the store immediately, one row per
// statement, which is exactly what the unguarded path promises.
// ---------------------------------------------------------------------------

var errHandleClosed = errors.New("fake: handle closed")

type fakeStore struct {
	mu   sync.Mutex
	rows []string
}

func (s *fakeStore) append(rows ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = append(s.rows, rows...)
}

func (s *fakeStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.rows))
	copy(out, s.rows)

	return out
}

type fakeHandle struct {
	store *fakeStore

	mu         sync.Mutex
	autocommit bool
	pending    []string
	committed  bool
	rolledBack bool
	closed     bool

	// autoCommitSets records every SetAutoCommit call in order.
	autoCommitSets []bool

	commitErr   error
	rollbackErr error
	bindErr     error
}

// write is the fake's only statement. Durable immediately under autocommit,
// buffered until commit otherwise.
func (h *fakeHandle) write(value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errHandleClosed
	}

	if h.autocommit {
		h.store.append(value)

		return nil
	}

	h.pending = append(h.pending, value)

	return nil
}

func (h *fakeHandle) Commit(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.commitErr != nil {
		return h.commitErr
	}

	h.store.append(h.pending...)
	h.pending = nil
	h.committed = true

	return nil
}

func (h *fakeHandle) Rollback(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rollbackErr != nil {
		return h.rollbackErr
	}

	h.pending = nil
	h.rolledBack = true

	return nil
}

func (h *fakeHandle) SetAutoCommit(_ context.Context, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.autoCommitSets = append(h.autoCommitSets, enabled)

	if !enabled && h.bindErr != nil {
		return h.bindErr
	}

	h.autocommit = enabled

	return nil
}

func (h *fakeHandle) wasCommitted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.committed
}

func (h *fakeHandle) wasRolledBack() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.rolledBack
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

func (h *fakeHandle) setAutoCommitCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]bool, len(h.autoCommitSets))
	copy(out, h.autoCommitSets)

	return out
}

type fakeFactory struct {
	store *fakeStore

	mu     sync.Mutex
	opened []*fakeHandle
	closed []*fakeHandle

	openErr  error
	closeErr error

	// prepare mutates each handle right after it is opened, before the
	// binder touches it.
	prepare func(*fakeHandle)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{store: &fakeStore{}}
}

func (f *fakeFactory) Open(_ context.Context) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}

	h := &fakeHandle{store: f.store, autocommit: true}
	if f.prepare != nil {
		f.prepare(h)
	}

	f.opened = append(f.opened, h)

	return h, nil
}

func (f *fakeFactory) Close(_ context.Context, h Handle) error {
	fh, ok := h.(*fakeHandle)
	if !ok {
		return errors.New("fake: foreign handle")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closeErr != nil {
		return f.closeErr
	}

	fh.mu.Lock()
	fh.closed = true
	fh.mu.Unlock()

	f.closed = append(f.closed, fh)

	return nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.opened)
}

func (f *fakeFactory) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.closed)
}

func (f *fakeFactory) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.opened) == 0 {
		return nil
	}

	return f.opened[len(f.opened)-1]
}

// ---------------------------------------------------------------------------
// Clock and logger doubles
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// spyLogger records messages for verification.
type spyLogger struct {
	mu       sync.Mutex
	messages []string
	levels   []log.Level
}

func (s *spyLogger) Log(_ context.Context, level log.Level, msg string, _ ...log.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)
	s.levels = append(s.levels, level)
}

func (s *spyLogger) With(_ ...log.Field) log.Logger { return s }
func (s *spyLogger) WithGroup(_ string) log.Logger  { return s }
func (s *spyLogger) Enabled(_ log.Level) bool       { return true }
func (s *spyLogger) Sync(_ context.Context) error   { return nil }

func (s *spyLogger) contains(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m == msg {
			return true
		}
	}

	return false
}
