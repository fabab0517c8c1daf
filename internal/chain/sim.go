package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Sim implements Client in memory. Used for testing and development: it
// records every call, returns deterministic transaction hashes, and lets the
// caller inject failures per method and emit events into the subscription.
type Sim struct {
	mu     sync.Mutex
	calls  []SimCall
	fail   map[string]error
	events chan Event
	seq    int
	reads  map[string]*Insurance
}

// SimCall is one recorded contract call.
type SimCall struct {
	Method string
	ID     string
}

// NewSim creates a new in-memory chain client.
func NewSim() *Sim {
	return &Sim{
		fail:   make(map[string]error),
		events: make(chan Event, 64),
		reads:  make(map[string]*Insurance),
	}
}

// FailWith makes all subsequent calls to method return err. Pass nil to
// clear.
func (s *Sim) FailWith(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Calls returns a snapshot of recorded calls.
func (s *Sim) Calls() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimCall(nil), s.calls...)
}

// CallCount returns how many times method was invoked.
func (s *Sim) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Emit pushes an event into the subscription stream.
func (s *Sim) Emit(ev Event) {
	s.events <- ev
}

// SetMirror sets the on-chain mirror returned by ReadInsurance.
func (s *Sim) SetMirror(id string, ins *Insurance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[id] = ins
}

func (s *Sim) record(method, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail[method]; err != nil {
		return "", err
	}
	s.seq++
	s.calls = append(s.calls, SimCall{Method: method, ID: id})
	return fmt.Sprintf("0xsim%04d", s.seq), nil
}

func (s *Sim) UpdateAvailableInsurance(_ context.Context, id string, _ decimal.Decimal, _ int64) (string, error) {
	return s.record("updateAvailableInsurance", id)
}

func (s *Sim) UpdateInvalidInsurance(_ context.Context, id string) (string, error) {
	return s.record("updateInvalidInsurance", id)
}

func (s *Sim) Cancel(_ context.Context, id string) (string, error) {
	return s.record("cancel", id)
}

func (s *Sim) Claim(_ context.Context, id string) (string, error) {
	return s.record("claim", id)
}

func (s *Sim) Refund(_ context.Context, id string) (string, error) {
	return s.record("refund", id)
}

func (s *Sim) Liquidate(_ context.Context, id string) (string, error) {
	return s.record("liquidate", id)
}

func (s *Sim) Expire(_ context.Context, id string) (string, error) {
	return s.record("expire", id)
}

func (s *Sim) ReadInsurance(_ context.Context, id string) (*Insurance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[id], nil
}

func (s *Sim) Subscribe(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.events:
				out <- ev
			}
		}
	}()
	return out, nil
}
