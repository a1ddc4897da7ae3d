package evloop

// Poller is the OS readiness backend consumed by the loop driver. One
// poller belongs to one loop.
//
// Poll must first apply every interest change parked on the loop's rearm
// queue, then wait at most timeoutMS milliseconds (-1 blocks, 0 polls) and
// invoke each ready watcher's callback directly before returning. loopID
// is the owning loop's stable identifier, for backend-private per-thread
// bookkeeping only.
type Poller interface {
	Poll(l *Loop, timeoutMS int, loopID int) error

	// RequiresFullRearm reports whether every armed descriptor must be
	// re-declared on every tick (event-ports style). When false the
	// registry skips redundant rearms.
	RequiresFullRearm() bool

	Close() error
}
