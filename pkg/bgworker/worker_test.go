package bgworker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type counting struct {
	mu      sync.Mutex
	pending int
	done    int32
}

func (c *counting) ThreadName() string { return "counting-test-worker" }

func (c *counting) HaveWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

func (c *counting) CopyWork() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.pending
	c.pending = 0
	return n
}

func (c *counting) DoWork(work interface{}) {
	n := work.(int)
	atomic.AddInt32(&c.done, int32(n))
}

func (c *counting) add(n int, w *Worker) {
	c.mu.Lock()
	c.pending += n
	c.mu.Unlock()
	w.Wakeup()
}

func TestWorkerProcessesQueuedWork(t *testing.T) {
	c := &counting{}
	w := New(c, nil)
	w.Start()
	defer w.Shutdown()

	c.add(5, w)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&c.done) == 5
	}, time.Second, time.Millisecond)
}

func TestWorkerPauseBlocksWork(t *testing.T) {
	c := &counting{}
	w := New(c, nil)
	w.Start()
	defer w.Shutdown()

	w.InitiatePause()
	w.WaitUntilPaused()
	require.True(t, w.IsPaused())

	c.add(3, w)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&c.done), "work must not run while paused")

	w.Unpause()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&c.done) == 3
	}, time.Second, time.Millisecond)
}

func TestWorkerShutdownDrains(t *testing.T) {
	c := &counting{}
	w := New(c, nil)
	w.Start()

	c.add(1, w)
	w.Shutdown()
	require.True(t, w.IsShutdown())
}

func TestWorkerOfflineCountsAsPaused(t *testing.T) {
	c := &counting{}
	w := New(c, nil)
	w.Start()
	defer w.Shutdown()

	w.Offline()
	require.True(t, w.IsPaused())
	w.Online()
}
