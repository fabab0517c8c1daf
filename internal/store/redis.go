package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hakifi/insurance-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only point reads are
// cached — list queries and the conditional update always hit the primary,
// since the CAS guard is only meaningful against the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func insuranceKey(id string) string { return "insurance:" + id }
func pairKey(symbol string) string  { return "pair:" + symbol }
func userKey(id string) string      { return "user:" + id }

// --- Reads (cache first) ---

func (s *CachedStore) GetInsurance(ctx context.Context, id string) (*model.Insurance, error) {
	data, err := s.rdb.Get(ctx, insuranceKey(id)).Bytes()
	if err == nil {
		var ins model.Insurance
		if json.Unmarshal(data, &ins) == nil {
			return &ins, nil
		}
	}

	ins, err := s.primary.GetInsurance(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInsurance(ctx, ins)
	return ins, nil
}

func (s *CachedStore) GetPair(ctx context.Context, symbol string) (*model.Pair, error) {
	data, err := s.rdb.Get(ctx, pairKey(symbol)).Bytes()
	if err == nil {
		var p model.Pair
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPair(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, pairKey(symbol), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) CreateInsurance(ctx context.Context, ins *model.Insurance) error {
	if err := s.primary.CreateInsurance(ctx, ins); err != nil {
		return err
	}
	s.cacheInsurance(ctx, ins)
	return nil
}

func (s *CachedStore) UpdateWhereStateNot(ctx context.Context, id string, target model.State, upd Update) (*model.Insurance, error) {
	ins, err := s.primary.UpdateWhereStateNot(ctx, id, target, upd)
	if err != nil {
		return nil, err
	}
	s.cacheInsurance(ctx, ins)
	return ins, nil
}

func (s *CachedStore) UpdateInsurance(ctx context.Context, id string, upd Update) (*model.Insurance, error) {
	ins, err := s.primary.UpdateInsurance(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.cacheInsurance(ctx, ins)
	return ins, nil
}

func (s *CachedStore) SetTxHash(ctx context.Context, id, txhash string) error {
	if err := s.primary.SetTxHash(ctx, id, txhash); err != nil {
		return err
	}
	s.rdb.Del(ctx, insuranceKey(id))
	return nil
}

func (s *CachedStore) AppendStateLog(ctx context.Context, id string, entry model.StateLog) error {
	if err := s.primary.AppendStateLog(ctx, id, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, insuranceKey(id))
	return nil
}

func (s *CachedStore) DeletePendingInsurance(ctx context.Context, userID, id string) error {
	if err := s.primary.DeletePendingInsurance(ctx, userID, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, insuranceKey(id))
	return nil
}

// --- Pass-through (no caching value) ---

func (s *CachedStore) ListInsurances(ctx context.Context, f InsuranceFilter) (int64, []model.Insurance, error) {
	return s.primary.ListInsurances(ctx, f)
}

func (s *CachedStore) ListByState(ctx context.Context, state model.State) ([]model.Insurance, error) {
	return s.primary.ListByState(ctx, state)
}

func (s *CachedStore) CreateTransaction(ctx context.Context, tx *model.TransactionRecord) error {
	return s.primary.CreateTransaction(ctx, tx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID, insuranceID string) ([]model.TransactionRecord, error) {
	return s.primary.ListTransactions(ctx, userID, insuranceID)
}

func (s *CachedStore) cacheInsurance(ctx context.Context, ins *model.Insurance) {
	data, err := json.Marshal(ins)
	if err != nil {
		return
	}
	// Cache failures are non-fatal; the primary remains authoritative.
	s.rdb.Set(ctx, insuranceKey(ins.ID), data, s.ttl)
}
