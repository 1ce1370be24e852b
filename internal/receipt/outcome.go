package receipt

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the terminal status of one applied receipt or transaction.
type Status uint8

const (
	StatusSuccess Status = 1
	StatusFailure Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Outcome is the recorded result of applying one receipt (or
// converting one transaction). Execution failure is a terminal
// outcome, not a processing error.
type Outcome struct {
	ID          common.Hash
	Status      Status
	Err         string
	GasBurnt    uint64
	ProducedIDs []common.Hash
}

func (o *Outcome) fail(format string, args ...any) {
	o.Status = StatusFailure
	o.Err = fmt.Sprintf(format, args...)
	o.ProducedIDs = nil
}

// DeepCopy returns a copy sharing no mutable data with the original.
func (o *Outcome) DeepCopy() *Outcome {
	if o == nil {
		return nil
	}
	cp := *o
	if o.ProducedIDs != nil {
		cp.ProducedIDs = make([]common.Hash, len(o.ProducedIDs))
		copy(cp.ProducedIDs, o.ProducedIDs)
	}
	return &cp
}

// OutcomeStore keeps execution outcomes in memory, keyed by receipt or
// transaction id.
type OutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[common.Hash]*Outcome
}

func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{outcomes: make(map[common.Hash]*Outcome)}
}

// Record stores an outcome. Re-recording the same id is a no-op so
// duplicate block processing across catchup retries stays idempotent.
func (s *OutcomeStore) Record(o *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[o.ID]; ok {
		return
	}
	s.outcomes[o.ID] = o.DeepCopy()
}

// Get returns the outcome for an id, nil if not recorded.
func (s *OutcomeStore) Get(id common.Hash) *Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcomes[id].DeepCopy()
}

// FinalStatus walks the receipt graph rooted at id. It returns
// (StatusSuccess, true) when every reachable outcome is recorded and
// successful, (StatusFailure, true) as soon as any reachable outcome
// failed, and (0, false) while outcomes are still pending.
func (s *OutcomeStore) FinalStatus(id common.Hash) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := []common.Hash{id}
	visited := make(map[common.Hash]struct{})
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}

		o, ok := s.outcomes[cur]
		if !ok {
			return 0, false
		}
		if o.Status == StatusFailure {
			return StatusFailure, true
		}
		queue = append(queue, o.ProducedIDs...)
	}
	return StatusSuccess, true
}
