package retry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationID identifies one logical retried operation.
type OperationID uuid.UUID

// NewOperationID returns a fresh random id.
func NewOperationID() OperationID {
	return OperationID(uuid.New())
}

// ParseOperationID parses the canonical string form.
func ParseOperationID(s string) (OperationID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return OperationID{}, err
	}
	return OperationID(id), nil
}

func (id OperationID) String() string {
	return uuid.UUID(id).String()
}

func (id OperationID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OperationID) UnmarshalText(b []byte) error {
	parsed, err := ParseOperationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// State is the retry bookkeeping for an operation that has failed at least once.
type State struct {
	OperationID  OperationID `json:"operationId"`
	AttemptsUsed int         `json:"attemptsUsed"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// stateArena stores retry state per operation.
type stateArena struct {
	mu     sync.Mutex
	states map[OperationID]State
}

func newStateArena() *stateArena {
	return &stateArena{states: make(map[OperationID]State)}
}

func (a *stateArena) increment(id OperationID, now time.Time) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.states[id]
	s.OperationID = id
	s.AttemptsUsed++
	s.UpdatedAt = now
	a.states[id] = s
	return s
}

func (a *stateArena) get(id OperationID) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[id]
	return s, ok
}

func (a *stateArena) delete(id OperationID) {
	a.mu.Lock()
	delete(a.states, id)
	a.mu.Unlock()
}

func (a *stateArena) all() []State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]State, 0, len(a.states))
	for _, s := range a.states {
		out = append(out, s)
	}
	return out
}

func (a *stateArena) pruneBefore(threshold time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, s := range a.states {
		if s.UpdatedAt.Before(threshold) {
			delete(a.states, id)
			n++
		}
	}
	return n
}
