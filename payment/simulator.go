package payment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// SIMULATOR - In-process gateway
// =============================================================================

// Simulator approves every request unless told otherwise.
type Simulator struct {
	mu       sync.Mutex
	outcomes map[ledger.Action]ledger.Status
	failures map[ledger.Action]error
	now      func() time.Time
	calls    atomic.Int64
}

var _ Gateway = (*Simulator)(nil)

func NewSimulator() *Simulator {
	return &Simulator{
		outcomes: make(map[ledger.Action]ledger.Status),
		failures: make(map[ledger.Action]error),
		now:      time.Now,
	}
}

// Respond makes every later action of this type return status.
func (s *Simulator) Respond(action ledger.Action, status ledger.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[action] = status
}

// Fail makes every later action of this type fail with err. A nil err clears it.
func (s *Simulator) Fail(action ledger.Action, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, action)
		return
	}
	s.failures[action] = err
}

// Calls counts Execute invocations, failed ones included.
func (s *Simulator) Calls() int64 {
	return s.calls.Load()
}

func (s *Simulator) Execute(ctx context.Context, req Request) (ledger.TransactionRecord, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return ledger.TransactionRecord{}, err
	}

	s.mu.Lock()
	err := s.failures[req.Action]
	status, ok := s.outcomes[req.Action]
	s.mu.Unlock()

	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	if !ok {
		status = ledger.StatusApproved
	}

	message := "transaction " + string(status)
	return ledger.TransactionRecord{
		UniqueID:      uuid.NewString(),
		ParentID:      req.Reference.UniqueID,
		Kind:          req.Kind,
		Status:        status,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CreatedAt:     s.now().UTC(),
		TerminalToken: req.TerminalToken,
		Message:       message,
	}, nil
}
