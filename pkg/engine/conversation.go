package engine

import (
	"sync"
	"time"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// GenerationState is the controller state for one conversation.
type GenerationState string

const (
	StateIdle       GenerationState = "idle"
	StateGenerating GenerationState = "generating"
	StateCompleted  GenerationState = "completed"
	StateCancelled  GenerationState = "cancelled"
	StateFailed     GenerationState = "failed"
)

// ConvState is the explicit per-conversation state object: generation state,
// the pending save timer, and the switch-in-progress flag all live here
// instead of ambient globals, threaded through every call that needs them.
type ConvState struct {
	ID string

	mu sync.Mutex

	// conv is the authoritative in-memory conversation, including message
	// content mutated during streaming.
	conv chat.Conversation

	genState GenerationState
	genSeq   uint64
	active   *GenerationHandle
	eventSeq uint64

	// lastError is the single user-visible error banner for this
	// conversation; a new send clears it.
	lastError string

	switchInProgress bool

	// Session synchronizer state: the debounced save timer, the in-flight
	// write marker serializing writes, and the persisted snapshot
	// (message id -> content fingerprint) used for diffing.
	saveTimer *time.Timer
	syncing   bool
	persisted bool
	snapshot  map[string]string
}

func newConvState(conv chat.Conversation) *ConvState {
	return &ConvState{
		ID:       conv.ID,
		conv:     conv,
		genState: StateIdle,
		snapshot: map[string]string{},
	}
}

// Snapshot returns a deep-enough copy of the in-memory conversation for
// callers outside the engine. Message content observed here may still be
// growing if a generation is in flight.
func (c *ConvState) Snapshot() chat.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.conv
	cp.Messages = append([]chat.Message(nil), c.conv.Messages...)
	return cp
}

// LastError returns the current error banner, or "" when none.
func (c *ConvState) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// State reports the generation state: Generating while a handle is active,
// otherwise the outcome of the last generation (Idle when none ran yet).
func (c *ConvState) State() GenerationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return StateGenerating
	}
	return c.genState
}

func (c *ConvState) messageIndexLocked(msgID string) int {
	for i := range c.conv.Messages {
		if c.conv.Messages[i].ID == msgID {
			return i
		}
	}
	return -1
}

// ConvManager stores all live conversation states.
type ConvManager struct {
	mu    sync.Mutex
	convs map[string]*ConvState
}

func NewConvManager() *ConvManager {
	return &ConvManager{convs: map[string]*ConvState{}}
}

func (m *ConvManager) Get(convID string) (*ConvState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	return c, ok
}

// GetOrCreate returns the live state for convID, creating it from conv when
// absent. The boolean reports whether the state already existed.
func (m *ConvManager) GetOrCreate(conv chat.Conversation) (*ConvState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conv.ID]; ok {
		return c, true
	}
	c := newConvState(conv)
	m.convs[conv.ID] = c
	return c, false
}

func (m *ConvManager) Remove(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, convID)
}

// All returns the live conversation states in no particular order.
func (m *ConvManager) All() []*ConvState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ConvState, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c)
	}
	return out
}
