package evloop

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DefaultRegistryCapacity bounds how many thread identities a registry
// serves at once.
const DefaultRegistryCapacity = 64

// overflowLoopID is the loop ID used when no thread identity was assigned,
// the last slot of the default-capacity table.
const overflowLoopID = DefaultRegistryCapacity - 1

// NoThreadID marks a caller that never registered a thread identity; such
// callers share the process-wide default loop.
const NoThreadID = -1

// ErrUnknownLoop is returned when DeleteLoop is handed a loop the registry
// does not own.
var ErrUnknownLoop = errors.New("evloop: loop not owned by this registry")

// LoopRegistry hands out at most one loop per thread identity, plus one
// process-wide default for callers without an identity. Lookup of an
// already-created loop is lock-free; the mutex guards only creation and
// deletion. Identities are small integers the host assigns to its worker
// threads (0 .. capacity-1).
type LoopRegistry struct {
	mu sync.Mutex

	capacity      int
	multithreaded atomic.Bool
	processLoop   atomic.Pointer[Loop]
	loops         []atomic.Pointer[Loop]

	// One message flag per identity; a multithreaded host uses these to
	// signal a worker that input is queued for it.
	messages []atomic.Bool

	newLoop func(id int) (*Loop, error)
}

// RegistryOption configures a registry at construction time.
type RegistryOption func(*LoopRegistry)

// WithCapacity overrides the thread-identity bound.
func WithCapacity(n int) RegistryOption {
	return func(r *LoopRegistry) { r.capacity = n }
}

// WithLoopFactory replaces how lazily-created loops are built, for hosts
// that need custom loop options per thread.
func WithLoopFactory(fn func(id int) (*Loop, error)) RegistryOption {
	return func(r *LoopRegistry) { r.newLoop = fn }
}

// NewLoopRegistry builds an empty registry. No loop exists until the
// first Default or Bind call.
func NewLoopRegistry(opts ...RegistryOption) *LoopRegistry {
	r := &LoopRegistry{capacity: DefaultRegistryCapacity}
	for _, opt := range opts {
		opt(r)
	}
	if r.capacity <= 0 {
		panic("evloop: registry capacity must be positive")
	}
	if r.newLoop == nil {
		r.newLoop = func(id int) (*Loop, error) {
			return NewLoop(WithID(id))
		}
	}
	r.loops = make([]atomic.Pointer[Loop], r.capacity)
	r.messages = make([]atomic.Bool, r.capacity)
	return r
}

// Capacity returns the thread-identity bound.
func (r *LoopRegistry) Capacity() int { return r.capacity }

// Multithreaded switches the registry to one-loop-per-identity semantics.
// Irreversible for the registry's lifetime.
func (r *LoopRegistry) Multithreaded() {
	r.multithreaded.Store(true)
}

// IsMultithreaded reports the registry mode.
func (r *LoopRegistry) IsMultithreaded() bool {
	return r.multithreaded.Load()
}

func (r *LoopRegistry) checkID(tid int) {
	if tid < 0 || tid >= r.capacity {
		panic("evloop: thread identity out of range")
	}
}

// Default resolves the loop for the given thread identity, creating it
// lazily. Outside multithreaded mode, and for NoThreadID, every caller
// shares the single process-wide loop.
func (r *LoopRegistry) Default(tid int) (*Loop, error) {
	if !r.multithreaded.Load() || tid == NoThreadID {
		return r.processDefault()
	}
	r.checkID(tid)

	if l := r.loops[tid].Load(); l != nil {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.loops[tid].Load(); l != nil {
		return l, nil
	}
	l, err := r.newLoop(tid)
	if err != nil {
		return nil, errors.Wrapf(err, "create loop for thread %d", tid)
	}
	r.loops[tid].Store(l)
	return l, nil
}

func (r *LoopRegistry) processDefault() (*Loop, error) {
	if l := r.processLoop.Load(); l != nil {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.processLoop.Load(); l != nil {
		return l, nil
	}
	l, err := r.newLoop(overflowLoopID)
	if err != nil {
		return nil, errors.Wrap(err, "create default loop")
	}
	r.processLoop.Store(l)
	return l, nil
}

// Bind installs a caller-constructed loop for a thread identity, bypassing
// lazy creation. Binding over a live loop is a caller bug.
func (r *LoopRegistry) Bind(tid int, l *Loop) {
	r.checkID(tid)
	if l == nil {
		panic("evloop: binding a nil loop")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[tid].Load() != nil {
		panic("evloop: thread identity already has a loop")
	}
	r.loops[tid].Store(l)
}

// DeleteLoop tears down a loop's backend resources and clears its registry
// slot. The caller must have closed and reaped every handle first; Close
// reports a violation.
func (r *LoopRegistry) DeleteLoop(l *Loop) error {
	if l == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.processLoop.Load() == l {
		if err := l.Close(); err != nil {
			return err
		}
		r.processLoop.Store(nil)
		return nil
	}

	for i := range r.loops {
		if r.loops[i].Load() == l {
			if err := l.Close(); err != nil {
				return err
			}
			r.loops[i].Store(nil)
			return nil
		}
	}
	return ErrUnknownLoop
}

// Close tears down every loop the registry still owns, clearing the slots
// as it goes. Loops that refuse to close, because live handles remain, are
// left in place and their errors are collected; the result is a MultiError
// when more than one loop failed.
func (r *LoopRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs MultiError
	if l := r.processLoop.Load(); l != nil {
		if err := l.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "loop %d", l.id))
		} else {
			r.processLoop.Store(nil)
		}
	}
	for i := range r.loops {
		l := r.loops[i].Load()
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "loop %d", l.id))
			continue
		}
		r.loops[i].Store(nil)
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errs
}

// SetThreadMessage flags (or clears) queued input for one identity, or for
// every identity when tid is -1.
func (r *LoopRegistry) SetThreadMessage(tid int, have bool) {
	if tid == -1 {
		for i := range r.messages {
			r.messages[i].Store(have)
		}
		return
	}
	r.checkID(tid)
	r.messages[tid].Store(have)
}

// ThreadHasMessage reports whether input is flagged for an identity.
// Unregistered callers never have messages.
func (r *LoopRegistry) ThreadHasMessage(tid int) bool {
	if tid == NoThreadID {
		return false
	}
	r.checkID(tid)
	return r.messages[tid].Load()
}
