package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

// fakeProvider runs a script goroutine as the stream producer.
type fakeProvider struct {
	name     string
	startErr error
	script   func(ctx context.Context, st *providers.Stream)

	mu     sync.Mutex
	starts int
}

var _ providers.Provider = &fakeProvider{}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) CheckAvailability(context.Context) bool { return true }

func (f *fakeProvider) ListModels(context.Context) ([]providers.ModelDescriptor, error) {
	return []providers.ModelDescriptor{{ID: "test-model", Name: "Test Model", Provider: f.Name()}}, nil
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, model string, turns []chat.Turn) (*providers.Stream, error) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	prodCtx, cancel := context.WithCancel(ctx)
	st := providers.NewStream(cancel)
	go f.script(prodCtx, st)
	return st, nil
}

func (f *fakeProvider) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func scriptedDeltas(deltas ...string) func(ctx context.Context, st *providers.Stream) {
	return func(ctx context.Context, st *providers.Stream) {
		for _, d := range deltas {
			if !st.Send(ctx, d) {
				st.CloseSend(chat.ErrCancelled)
				return
			}
		}
		st.CloseSend(nil)
	}
}

func blockUntilCancelled(ctx context.Context, st *providers.Stream) {
	<-ctx.Done()
	st.CloseSend(chat.ErrCancelled)
}

type finishRecorder struct {
	mu   sync.Mutex
	outs []generationOutcome
}

func (r *finishRecorder) record(_ *ConvState, _ *GenerationHandle, out generationOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, out)
}

func (r *finishRecorder) last() (generationOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outs) == 0 {
		return generationOutcome{}, false
	}
	return r.outs[len(r.outs)-1], true
}

type snapshotRecorder struct {
	mu  sync.Mutex
	evs []SnapshotEvent
}

func (r *snapshotRecorder) record(_ *ConvState, ev SnapshotEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *snapshotRecorder) events() []SnapshotEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SnapshotEvent(nil), r.evs...)
}

func newTestController(t *testing.T, cfg ControllerConfig) (*Controller, *ConvState, *snapshotRecorder, *finishRecorder) {
	t.Helper()
	snaps := &snapshotRecorder{}
	fins := &finishRecorder{}
	ctrl := NewController(context.Background(), cfg, snaps.record, fins.record)
	conv, _ := NewConvManager().GetOrCreate(chat.Conversation{ID: "c1"})
	return ctrl, conv, snaps, fins
}

func fastCoalescer() CoalescerConfig {
	return CoalescerConfig{MinInterval: time.Nanosecond, Trailing: 5 * time.Millisecond}
}

func waitDone(t *testing.T, h *GenerationHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not finish in time")
	}
}

func TestControllerCompletion(t *testing.T) {
	ctrl, conv, snaps, fins := newTestController(t, ControllerConfig{Coalescer: fastCoalescer()})
	p := &fakeProvider{script: scriptedDeltas("Hello ", "world")}

	h, err := ctrl.Start(conv, p, "test-model", []chat.Turn{{Role: chat.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	waitDone(t, h)

	out, ok := fins.last()
	require.True(t, ok)
	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, "Hello world", out.FinalContent)

	snapshot := conv.Snapshot()
	require.Len(t, snapshot.Messages, 1)
	require.Equal(t, chat.RoleAssistant, snapshot.Messages[0].Role)
	require.Equal(t, "Hello world", snapshot.Messages[0].Content)
	require.Equal(t, StateCompleted, conv.State())

	evs := snaps.events()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.True(t, last.Final)
	require.Equal(t, "Hello world", last.Content)
	for i := 1; i < len(evs); i++ {
		require.GreaterOrEqual(t, len(evs[i].Content), len(evs[i-1].Content))
		require.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
}

func TestControllerCancelKeepsCommittedContent(t *testing.T) {
	ctrl, conv, snaps, fins := newTestController(t, ControllerConfig{Coalescer: fastCoalescer()})
	p := &fakeProvider{script: func(ctx context.Context, st *providers.Stream) {
		st.Send(ctx, "partial answer")
		blockUntilCancelled(ctx, st)
	}}

	h, err := ctrl.Start(conv, p, "test-model", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(snaps.events()) > 0
	}, time.Second, time.Millisecond)

	h.Cancel()
	waitDone(t, h)

	out, _ := fins.last()
	require.Equal(t, StateCancelled, out.State)
	require.False(t, out.PlaceholderRemoved)
	require.Equal(t, "partial answer", out.FinalContent)

	snapshot := conv.Snapshot()
	require.Len(t, snapshot.Messages, 1)
	require.Equal(t, "partial answer", snapshot.Messages[0].Content)
	require.Equal(t, StateCancelled, conv.State())
}

func TestControllerCancelBeforeContentDiscardsPlaceholder(t *testing.T) {
	ctrl, conv, snaps, fins := newTestController(t, ControllerConfig{Coalescer: fastCoalescer()})
	p := &fakeProvider{script: blockUntilCancelled}

	h, err := ctrl.Start(conv, p, "test-model", nil)
	require.NoError(t, err)
	require.Len(t, conv.Snapshot().Messages, 1) // placeholder

	h.Cancel()
	waitDone(t, h)

	out, _ := fins.last()
	require.Equal(t, StateCancelled, out.State)
	require.True(t, out.PlaceholderRemoved)
	require.Empty(t, conv.Snapshot().Messages)
	require.Empty(t, snaps.events())
}

func TestControllerFailureWritesErrorMarker(t *testing.T) {
	ctrl, conv, _, fins := newTestController(t, ControllerConfig{Coalescer: fastCoalescer()})
	p := &fakeProvider{script: func(ctx context.Context, st *providers.Stream) {
		st.CloseSend(errors.Wrap(chat.ErrConnection, "connection refused"))
	}}

	h, err := ctrl.Start(conv, p, "test-model", nil)
	require.NoError(t, err)
	waitDone(t, h)

	out, _ := fins.last()
	require.Equal(t, StateFailed, out.State)
	require.ErrorIs(t, out.Err, chat.ErrConnection)

	snapshot := conv.Snapshot()
	require.Len(t, snapshot.Messages, 1)
	require.Contains(t, snapshot.Messages[0].Content, "Error: ")
	require.Contains(t, snapshot.Messages[0].Content, "connection refused")
	require.NotEmpty(t, conv.LastError())
	require.Equal(t, StateFailed, conv.State())
}

func TestControllerStartErrorFails(t *testing.T) {
	ctrl, conv, _, fins := newTestController(t, ControllerConfig{Coalescer: fastCoalescer()})
	p := &fakeProvider{startErr: errors.Wrap(chat.ErrAuth, "bad key")}

	h, err := ctrl.Start(conv, p, "test-model", nil)
	require.NoError(t, err)
	waitDone(t, h)

	out, _ := fins.last()
	require.Equal(t, StateFailed, out.State)
	require.ErrorIs(t, out.Err, chat.ErrAuth)
}

func TestControllerReadTimeoutFails(t *testing.T) {
	ctrl, conv, _, fins := newTestController(t, ControllerConfig{
		Coalescer:   fastCoalescer(),
		ReadTimeout: 30 * time.Millisecond,
	})
	p := &fakeProvider{script: blockUntilCancelled}

	h, err := ctrl.Start(conv, p, "test-model", nil)
	require.NoError(t, err)
	waitDone(t, h)

	out, _ := fins.last()
	require.Equal(t, StateFailed, out.State)
	require.ErrorIs(t, out.Err, chat.ErrConnection)
	require.Contains(t, conv.Snapshot().Messages[0].Content, "Error: ")
}

func TestControllerSupersession(t *testing.T) {
	ctrl, conv, _, fins := newTestController(t, ControllerConfig{
		Coalescer:      fastCoalescer(),
		SupersedeGrace: 200 * time.Millisecond,
	})

	first := &fakeProvider{script: func(ctx context.Context, st *providers.Stream) {
		st.Send(ctx, "first answer")
		blockUntilCancelled(ctx, st)
	}}
	second := &fakeProvider{script: scriptedDeltas("second answer")}

	h1, err := ctrl.Start(conv, first, "test-model", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return conv.Snapshot().Messages[0].Content != ""
	}, time.Second, time.Millisecond)

	h2, err := ctrl.Start(conv, second, "test-model", nil)
	require.NoError(t, err)
	require.Greater(t, h2.Seq, h1.Seq)

	// the first generation's teardown finished before the second started
	select {
	case <-h1.Done():
	default:
		t.Fatal("superseded generation still running after new start")
	}

	waitDone(t, h2)
	out, _ := fins.last()
	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, "second answer", out.FinalContent)

	snapshot := conv.Snapshot()
	require.Len(t, snapshot.Messages, 2)
	require.Equal(t, "first answer", snapshot.Messages[0].Content)
	require.Equal(t, "second answer", snapshot.Messages[1].Content)
	require.Equal(t, 1, first.startCount())
	require.Equal(t, 1, second.startCount())
}

func TestControllerSingleActiveGeneration(t *testing.T) {
	ctrl, conv, _, _ := newTestController(t, ControllerConfig{
		Coalescer:      fastCoalescer(),
		SupersedeGrace: 200 * time.Millisecond,
	})
	p := &fakeProvider{script: scriptedDeltas("ok")}

	var handles []*GenerationHandle
	for i := 0; i < 5; i++ {
		h, err := ctrl.Start(conv, p, "test-model", nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		waitDone(t, h)
	}

	conv.mu.Lock()
	active := conv.active
	conv.mu.Unlock()
	require.Nil(t, active)
	require.Equal(t, 5, p.startCount())
}
