package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu     sync.Mutex
	snaps  []string
	finals []bool
}

func (r *emitRecorder) emit(content string, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, content)
	r.finals = append(r.finals, final)
}

func (r *emitRecorder) snapshots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.snaps...)
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestCoalescerLeadingEdgeEmitsImmediately(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: 50 * time.Millisecond, Trailing: 100 * time.Millisecond}, rec.emit)

	c.Add("Hello")
	require.Equal(t, []string{"Hello"}, rec.snapshots())
}

func TestCoalescerBuffersWithinWindow(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: time.Hour, Trailing: 40 * time.Millisecond}, rec.emit)
	c.mu.Lock()
	c.lastEmit = time.Now()
	c.mu.Unlock()

	c.Add("a")
	c.Add("b")
	c.Add("c")
	require.Equal(t, 0, rec.count())

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"abc"}, rec.snapshots())
}

func TestCoalescerSnapshotsAreCumulative(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: time.Nanosecond, Trailing: time.Hour}, rec.emit)

	c.Add("Hel")
	time.Sleep(time.Millisecond)
	c.Add("lo ")
	time.Sleep(time.Millisecond)
	c.Add("world")

	snaps := rec.snapshots()
	require.Equal(t, []string{"Hel", "Hello ", "Hello world"}, snaps)
	for i := 1; i < len(snaps); i++ {
		require.GreaterOrEqual(t, len(snaps[i]), len(snaps[i-1]))
	}
}

func TestCoalescerFinishFlushesUnconditionally(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: time.Hour, Trailing: time.Hour}, rec.emit)
	c.mu.Lock()
	c.lastEmit = time.Now()
	c.mu.Unlock()

	c.Add("partial")
	require.Equal(t, 0, rec.count())

	c.Finish()
	require.Equal(t, []string{"partial"}, rec.snapshots())
	require.Equal(t, []bool{true}, rec.finals)

	// closed: further deltas are dropped
	c.Add("late")
	require.Equal(t, 1, rec.count())
}

func TestCoalescerFinalEqualsAllDeltas(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: time.Hour, Trailing: time.Hour}, rec.emit)
	c.mu.Lock()
	c.lastEmit = time.Now()
	c.mu.Unlock()

	deltas := []string{"one ", "two ", "three"}
	for _, d := range deltas {
		c.Add(d)
	}
	c.Finish()

	snaps := rec.snapshots()
	require.Equal(t, "one two three", snaps[len(snaps)-1])
}

func TestCoalescerAbortEmitsNothing(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: time.Hour, Trailing: 20 * time.Millisecond}, rec.emit)
	c.mu.Lock()
	c.lastEmit = time.Now()
	c.mu.Unlock()

	c.Add("doomed")
	c.Abort()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 0, rec.count())
	require.Equal(t, "doomed", c.Content())
}

func TestCoalescerTrailingTimerCancelledByLeadingEmit(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCoalescer(CoalescerConfig{MinInterval: 30 * time.Millisecond, Trailing: 50 * time.Millisecond}, rec.emit)

	c.Add("a") // immediate
	c.Add("b") // buffered, trailing timer armed
	time.Sleep(35 * time.Millisecond)
	c.Add("c") // outside MinInterval: immediate, cancels the pending timer

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, []string{"a", "abc"}, rec.snapshots())
}
