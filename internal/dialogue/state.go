package dialogue

import (
	"context"
	"sync"
)

// Step names a dialogue position.
type Step string

const (
	StepIdle                     Step = "idle"
	StepAwaitingFullName         Step = "awaiting_full_name"
	StepAwaitingWorkerSelection  Step = "awaiting_worker_selection"
	StepAwaitingAdminTaskText    Step = "awaiting_admin_task_text"
	StepAwaitingRejectionComment Step = "awaiting_rejection_comment"
	StepAwaitingWorkerTaskText   Step = "awaiting_worker_task_text"
	StepAwaitingWorkerComment    Step = "awaiting_worker_comment"
)

// State is the per-identity dialogue position together with the data that
// step needs. Only the types in this file implement it.
type State interface {
	Step() Step
	sealed()
}

type Idle struct{}

type AwaitingFullName struct{}

type AwaitingWorkerSelection struct{}

type AwaitingAdminTaskText struct {
	WorkerID   int64
	WorkerName string
}

type AwaitingRejectionComment struct {
	TaskID int64
}

type AwaitingWorkerTaskText struct{}

type AwaitingWorkerComment struct {
	TaskID int64
}

func (Idle) Step() Step                     { return StepIdle }
func (AwaitingFullName) Step() Step         { return StepAwaitingFullName }
func (AwaitingWorkerSelection) Step() Step  { return StepAwaitingWorkerSelection }
func (AwaitingAdminTaskText) Step() Step    { return StepAwaitingAdminTaskText }
func (AwaitingRejectionComment) Step() Step { return StepAwaitingRejectionComment }
func (AwaitingWorkerTaskText) Step() Step   { return StepAwaitingWorkerTaskText }
func (AwaitingWorkerComment) Step() Step    { return StepAwaitingWorkerComment }

func (Idle) sealed()                     {}
func (AwaitingFullName) sealed()         {}
func (AwaitingWorkerSelection) sealed()  {}
func (AwaitingAdminTaskText) sealed()    {}
func (AwaitingRejectionComment) sealed() {}
func (AwaitingWorkerTaskText) sealed()   {}
func (AwaitingWorkerComment) sealed()    {}

// Store keeps one State per identity. An absent entry reads as Idle.
type Store interface {
	Load(ctx context.Context, id int64) (State, error)
	Save(ctx context.Context, id int64, s State) error
	Clear(ctx context.Context, id int64) error
}

// MemoryStore is process-local; a restart sends everyone back to Idle.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[int64]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[int64]State)}
}

func (m *MemoryStore) Load(_ context.Context, id int64) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[id]; ok {
		return s, nil
	}
	return Idle{}, nil
}

// Save stores s; saving Idle drops the entry.
func (m *MemoryStore) Save(_ context.Context, id int64, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil || s.Step() == StepIdle {
		delete(m.states, id)
		return nil
	}
	m.states[id] = s
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

// Active returns how many identities are mid-dialogue.
func (m *MemoryStore) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
