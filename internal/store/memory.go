package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hakifi/insurance-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). The conditional
// update holds the store mutex for the whole check-and-set, giving the same
// atomicity as the SQL `UPDATE ... WHERE state <> $target`.
type MemoryStore struct {
	mu         sync.RWMutex
	insurances map[string]*model.Insurance
	txs        []model.TransactionRecord
	users      map[string]*model.User
	pairs      map[string]*model.Pair
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		insurances: make(map[string]*model.Insurance),
		users:      make(map[string]*model.User),
		pairs:      make(map[string]*model.Pair),
	}
}

// SeedUser registers a user. Test helper.
func (s *MemoryStore) SeedUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// SeedPair registers a pair configuration. Test helper.
func (s *MemoryStore) SeedPair(p *model.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pairs[p.Symbol] = &cp
}

func (s *MemoryStore) CreateInsurance(_ context.Context, ins *model.Insurance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneInsurance(ins)
	s.insurances[ins.ID] = cp
	return nil
}

func (s *MemoryStore) GetInsurance(_ context.Context, id string) (*model.Insurance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.insurances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInsurance(ins), nil
}

func (s *MemoryStore) ListInsurances(_ context.Context, f InsuranceFilter) (int64, []model.Insurance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Insurance
	for _, ins := range s.insurances {
		if !matchesFilter(ins, f) {
			continue
		}
		matched = append(matched, *cloneInsurance(ins))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if f.Skip > 0 {
		if f.Skip >= len(matched) {
			return total, nil, nil
		}
		matched = matched[f.Skip:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return total, matched, nil
}

func matchesFilter(ins *model.Insurance, f InsuranceFilter) bool {
	if f.UserID != "" && ins.UserID != f.UserID {
		return false
	}
	if f.State != "" && ins.State != f.State {
		return false
	}
	if f.Asset != "" && !strings.EqualFold(ins.Asset, f.Asset) {
		return false
	}
	if f.Query != "" && ins.ID != f.Query &&
		!strings.Contains(strings.ToLower(ins.TxHash), strings.ToLower(f.Query)) {
		return false
	}
	if f.IsClosed && ins.ClosedAt == nil {
		return false
	}
	if f.ClosedFrom != nil && (ins.ClosedAt == nil || ins.ClosedAt.Before(*f.ClosedFrom)) {
		return false
	}
	if f.ClosedTo != nil && (ins.ClosedAt == nil || ins.ClosedAt.After(*f.ClosedTo)) {
		return false
	}
	if f.CreatedFrom != nil && ins.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && ins.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

func (s *MemoryStore) ListByState(_ context.Context, state model.State) ([]model.Insurance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []model.Insurance
	for _, ins := range s.insurances {
		if ins.State == state {
			list = append(list, *cloneInsurance(ins))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

func (s *MemoryStore) DeletePendingInsurance(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insurances[id]
	if !ok || ins.UserID != userID || ins.State != model.StatePending {
		return ErrNotFound
	}
	delete(s.insurances, id)
	return nil
}

func (s *MemoryStore) UpdateWhereStateNot(_ context.Context, id string, target model.State, upd Update) (*model.Insurance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insurances[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ins.State == target {
		return nil, ErrAlreadyApplied
	}
	st := target
	upd.State = &st
	applyUpdate(ins, upd)
	return cloneInsurance(ins), nil
}

func (s *MemoryStore) UpdateInsurance(_ context.Context, id string, upd Update) (*model.Insurance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insurances[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyUpdate(ins, upd)
	return cloneInsurance(ins), nil
}

func applyUpdate(ins *model.Insurance, upd Update) {
	if upd.State != nil {
		ins.State = *upd.State
	}
	if upd.POpen != nil {
		ins.POpen = *upd.POpen
	}
	if upd.PClaim != nil {
		ins.PClaim = *upd.PClaim
	}
	if upd.PLiquidation != nil {
		ins.PLiquidation = *upd.PLiquidation
	}
	if upd.PRefund != nil {
		ins.PRefund = *upd.PRefund
	}
	if upd.PCancel != nil {
		ins.PCancel = *upd.PCancel
	}
	if upd.PClose != nil {
		ins.PClose = *upd.PClose
	}
	if upd.QClaim != nil {
		ins.QClaim = *upd.QClaim
	}
	if upd.SystemCapital != nil {
		ins.SystemCapital = *upd.SystemCapital
	}
	if upd.Leverage != nil {
		ins.Leverage = *upd.Leverage
	}
	if upd.Hedge != nil {
		ins.Hedge = *upd.Hedge
	}
	if upd.PnlUser != nil {
		ins.PnlUser = *upd.PnlUser
	}
	if upd.PnlProject != nil {
		ins.PnlProject = *upd.PnlProject
	}
	if upd.InvalidReason != nil {
		ins.InvalidReason = *upd.InvalidReason
	}
	if upd.ExpiredAt != nil {
		ins.ExpiredAt = *upd.ExpiredAt
	}
	if upd.ClosedAt != nil {
		t := *upd.ClosedAt
		ins.ClosedAt = &t
	}
}

func (s *MemoryStore) SetTxHash(_ context.Context, id, txhash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insurances[id]
	if !ok {
		return ErrNotFound
	}
	ins.TxHash = txhash
	return nil
}

func (s *MemoryStore) AppendStateLog(_ context.Context, id string, entry model.StateLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ins, ok := s.insurances[id]
	if !ok {
		return ErrNotFound
	}
	ins.StateLogs = append(ins.StateLogs, entry)
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Mirror the unique constraint on (insurance_id, type, txhash):
	// duplicate deliveries produce one record.
	if tx.TxHash != "" {
		for _, existing := range s.txs {
			if existing.InsuranceID == tx.InsuranceID &&
				existing.Type == tx.Type && existing.TxHash == tx.TxHash {
				return nil
			}
		}
	}
	s.txs = append(s.txs, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID, insuranceID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TransactionRecord
	for _, tx := range s.txs {
		if userID != "" && tx.UserID != userID {
			continue
		}
		if insuranceID != "" && tx.InsuranceID != insuranceID {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetPair(_ context.Context, symbol string) (*model.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// cloneInsurance deep-copies a contract so callers never share the stored
// state-log slice.
func cloneInsurance(ins *model.Insurance) *model.Insurance {
	cp := *ins
	if ins.StateLogs != nil {
		cp.StateLogs = append([]model.StateLog(nil), ins.StateLogs...)
	}
	if ins.ClosedAt != nil {
		t := *ins.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
