package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendTimeout(t *testing.T) {
	t.Run("nothing alive", func(t *testing.T) {
		l, _, _ := newTestLoop(t)
		assert.Equal(t, 0, l.BackendTimeout())
	})

	t.Run("stop requested", func(t *testing.T) {
		l, _, _ := newTestLoop(t)
		s := newStubHandle(l)
		s.markActive()
		l.Stop()
		assert.Equal(t, 0, l.BackendTimeout())
	})

	t.Run("idle handles force immediate poll", func(t *testing.T) {
		l, _, _ := newTestLoop(t)
		idle := l.NewIdle()
		idle.Start(func() {})
		assert.Equal(t, 0, l.BackendTimeout())
	})

	t.Run("closing handles force immediate poll", func(t *testing.T) {
		l, _, _ := newTestLoop(t)
		keep := newStubHandle(l)
		keep.markActive()
		newStubHandle(l).Close(nil)
		assert.Equal(t, 0, l.BackendTimeout())
	})

	t.Run("earliest timer", func(t *testing.T) {
		l, _, _ := newTestLoop(t)
		timer := l.NewTimer()
		timer.Start(func(*Timer) {}, 30, 0)
		assert.Equal(t, 30, l.BackendTimeout())
	})

	t.Run("active handle with no deadline blocks", func(t *testing.T) {
		l, _, _ := newTestLoop(t)
		s := newStubHandle(l)
		s.markActive()
		assert.Equal(t, -1, l.BackendTimeout())
	})
}

func TestRunNotAliveReturnsImmediately(t *testing.T) {
	l, poller, _ := newTestLoop(t)
	assert.False(t, l.Run(RunDefault))
	assert.Empty(t, poller.timeouts, "a dead loop never polls")
}

func TestRunOnceSingleTick(t *testing.T) {
	l, poller, _ := newTestLoop(t)
	s := newStubHandle(l)
	s.markActive()

	alive := l.Run(RunOnce)
	assert.True(t, alive)
	assert.Len(t, poller.timeouts, 1)
}

func TestRunNoWaitNeverBlocks(t *testing.T) {
	l, poller, _ := newTestLoop(t)
	s := newStubHandle(l)
	s.markActive()

	// No timer pressure; a default-mode tick would block forever.
	l.Run(RunNoWait)
	require.Len(t, poller.timeouts, 1)
	assert.Equal(t, 0, poller.timeouts[0])
}

func TestRunNoWaitArmedWatcherNoDispatch(t *testing.T) {
	l, poller, _ := newTestLoop(t)

	fired := false
	ph := l.NewPoll(12)
	ph.Start(EventRead, func(*PollHandle, uint32) { fired = true })

	l.Run(RunNoWait)

	require.Len(t, poller.timeouts, 1)
	assert.Equal(t, 0, poller.timeouts[0])
	assert.False(t, fired, "nothing was ready, nothing may be dispatched")
}

func TestRunPauseSkipsPoll(t *testing.T) {
	l, poller, clock := newTestLoop(t)

	fired := false
	timer := l.NewTimer()
	timer.Start(func(*Timer) { fired = true }, 5, 0)

	clock.now = 10
	alive := l.Run(RunPause)

	assert.True(t, fired, "timers still run in pause mode")
	assert.False(t, alive)
	assert.Empty(t, poller.timeouts, "pause mode never reaches the backend")
}

func TestRunTickPhaseOrder(t *testing.T) {
	l, poller, _ := newTestLoop(t)

	var phases []string
	record := func(name string) func() { return func() { phases = append(phases, name) } }

	idle := l.NewIdle()
	idle.Start(record("idle"))
	prepare := l.NewPrepare()
	prepare.Start(record("prepare"))
	check := l.NewCheck()
	check.Start(record("check"))

	timer := l.NewTimer()
	timer.Start(func(*Timer) { phases = append(phases, "timer") }, 0, 0)

	var w Watcher
	w.Init(func(*Loop, *Watcher, uint32) { phases = append(phases, "pending") }, 8)
	l.FeedWatcher(&w)

	poller.onPoll = func(*Loop, int) { phases = append(phases, "poll") }

	reaped := newStubHandle(l)
	reaped.Close(func(*Handle) { phases = append(phases, "reap") })

	l.Run(RunOnce)

	assert.Equal(t,
		[]string{"timer", "idle", "prepare", "pending", "poll", "check", "reap"},
		phases)
}

func TestStopClearsFlagAndReturns(t *testing.T) {
	l, poller, _ := newTestLoop(t)
	s := newStubHandle(l)
	s.markActive()

	l.Stop()
	alive := l.Run(RunDefault)

	assert.True(t, alive, "the handle is still active")
	assert.False(t, l.stopFlag, "stop flag is consumed by the run")
	assert.Empty(t, poller.timeouts)
}

func TestStopFromCheckEndsDefaultRun(t *testing.T) {
	l, poller, _ := newTestLoop(t)
	s := newStubHandle(l)
	s.markActive()

	ticks := 0
	check := l.NewCheck()
	check.Start(func() {
		ticks++
		if ticks == 3 {
			l.Stop()
		}
	})

	l.Run(RunDefault)
	assert.Equal(t, 3, ticks)
	assert.Len(t, poller.timeouts, 3)
}

func TestForcedStopDrainSettlesWork(t *testing.T) {
	poller := &fakePoller{}
	l, err := NewLoop(
		WithPoller(poller),
		WithID(2),
		WithStopDrainBudget(500*time.Millisecond),
	)
	require.NoError(t, err)

	workDone := make(chan struct{})
	afterRan := false
	require.NoError(t, l.QueueWork(func() error {
		time.Sleep(5 * time.Millisecond)
		close(workDone)
		return nil
	}, func(err error) {
		afterRan = true
		assert.NoError(t, err)
	}))

	// The fake backend does not watch the wakeup eventfd, so readiness is
	// forwarded by hand the way a real poll would.
	wakeWatcher := &l.wqWake.watcher
	poller.onPoll = func(l *Loop, _ int) {
		select {
		case <-workDone:
			wakeWatcher.cb(l, wakeWatcher, EventRead)
		default:
		}
	}

	l.Stop()
	l.Run(RunDefault)

	assert.True(t, afterRan, "forced stop drained the in-flight completion")
	assert.Equal(t, 0, l.activeReqs)
	assert.False(t, l.wq.busy())
}

func TestForcedStopDrainBudgetBounds(t *testing.T) {
	poller := &fakePoller{}
	l, err := NewLoop(
		WithPoller(poller),
		WithID(2),
		WithStopDrainBudget(20*time.Millisecond),
	)
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, l.QueueWork(func() error {
		<-release
		return nil
	}, nil))

	l.Stop()
	start := time.Now()
	l.Run(RunDefault)

	assert.Less(t, time.Since(start), 5*time.Second,
		"the drain gives up once the budget is spent")
	assert.Equal(t, 1, l.activeReqs, "the stuck request is abandoned, not waited for")
}

func TestSyncTriggerFiresAfterDefaultRun(t *testing.T) {
	poller := &fakePoller{}
	var got []int
	l, err := NewLoop(
		WithPoller(poller),
		WithID(7),
		WithSyncTrigger(func(id int) { got = append(got, id) }),
	)
	require.NoError(t, err)

	l.Run(RunDefault)
	l.Run(RunOnce)

	assert.Equal(t, []int{7}, got, "only default-mode runs trigger the sync hook")
}

func TestPollReceivesLoopID(t *testing.T) {
	poller := &fakePoller{}
	l, err := NewLoop(WithPoller(poller), WithID(11))
	require.NoError(t, err)

	s := newStubHandle(l)
	s.markActive()
	l.Run(RunOnce)

	require.Len(t, poller.loopIDs, 1)
	assert.Equal(t, 11, poller.loopIDs[0])
}

func TestLoopCloseWithLiveHandles(t *testing.T) {
	l, poller, _ := newTestLoop(t)
	s := newStubHandle(l)

	assert.ErrorIs(t, l.Close(), ErrHandlesRemain)

	s.Close(nil)
	l.runClosingHandles()
	assert.NoError(t, l.Close())
	assert.True(t, poller.closed)
}
