package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// the state log is a JSONB array appended with the || operator so history
// is never rewritten.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const insuranceColumns = `id, user_id, asset, unit, side,
	margin::TEXT, q_covered::TEXT, q_claim::TEXT,
	p_open::TEXT, p_claim::TEXT, p_liquidation::TEXT,
	p_refund::TEXT, p_cancel::TEXT, p_close::TEXT,
	leverage::TEXT, system_capital::TEXT, hedge::TEXT,
	pnl_user::TEXT, pnl_project::TEXT,
	period, period_unit, period_change_ratio::TEXT,
	state, COALESCE(invalid_reason, ''), COALESCE(txhash, ''),
	state_logs, created_at, expired_at, closed_at`

func (s *PostgresStore) CreateInsurance(ctx context.Context, ins *model.Insurance) error {
	logs, err := json.Marshal(ins.StateLogs)
	if err != nil {
		return fmt.Errorf("marshal state logs: %w", err)
	}
	if ins.StateLogs == nil {
		logs = []byte("[]")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO insurances (
			id, user_id, asset, unit, side,
			margin, q_covered, q_claim,
			p_open, p_claim, p_liquidation, p_refund, p_cancel, p_close,
			leverage, system_capital, hedge, pnl_user, pnl_project,
			period, period_unit, period_change_ratio,
			state, invalid_reason, txhash, state_logs,
			created_at, expired_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			$9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
			$15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19::NUMERIC,
			$20, $21, $22::NUMERIC,
			$23, NULLIF($24, ''), NULLIF($25, ''), $26::JSONB,
			$27, $28, $29
		)`,
		ins.ID, ins.UserID, ins.Asset, ins.Unit, ins.Side,
		ins.Margin.String(), ins.QCovered.String(), ins.QClaim.String(),
		ins.POpen.String(), ins.PClaim.String(), ins.PLiquidation.String(),
		ins.PRefund.String(), ins.PCancel.String(), ins.PClose.String(),
		ins.Leverage.String(), ins.SystemCapital.String(), ins.Hedge.String(),
		ins.PnlUser.String(), ins.PnlProject.String(),
		ins.Period, ins.PeriodUnit, ins.PeriodChangeRatio.String(),
		ins.State, ins.InvalidReason, ins.TxHash, string(logs),
		ins.CreatedAt, ins.ExpiredAt, ins.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetInsurance(ctx context.Context, id string) (*model.Insurance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insuranceColumns+` FROM insurances WHERE id = $1`, id)
	ins, err := scanInsurance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get insurance %s: %w", id, err)
	}
	return ins, nil
}

func (s *PostgresStore) ListInsurances(ctx context.Context, f InsuranceFilter) (int64, []model.Insurance, error) {
	where, args := buildInsuranceWhere(f)

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM insurances`+where, args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	query := `SELECT ` + insuranceColumns + ` FROM insurances` + where +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Skip > 0 {
		args = append(args, f.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	list, err := scanInsurances(rows)
	return total, list, err
}

func (s *PostgresStore) ListByState(ctx context.Context, state model.State) ([]model.Insurance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+insuranceColumns+` FROM insurances WHERE state = $1 ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInsurances(rows)
}

func (s *PostgresStore) DeletePendingInsurance(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM insurances WHERE id = $1 AND user_id = $2 AND state = $3`,
		id, userID, model.StatePending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateWhereStateNot(ctx context.Context, id string, target model.State, upd Update) (*model.Insurance, error) {
	st := target
	upd.State = &st
	sets, args := buildInsuranceSet(upd)
	args = append(args, id, target)

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE insurances SET %s WHERE id = $%d AND state <> $%d RETURNING %s`,
			sets, len(args)-1, len(args), insuranceColumns),
		args...)
	ins, err := scanInsurance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyApplied
	}
	if err != nil {
		return nil, fmt.Errorf("conditional update %s: %w", id, err)
	}
	return ins, nil
}

func (s *PostgresStore) UpdateInsurance(ctx context.Context, id string, upd Update) (*model.Insurance, error) {
	sets, args := buildInsuranceSet(upd)
	args = append(args, id)

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE insurances SET %s WHERE id = $%d RETURNING %s`,
			sets, len(args), insuranceColumns),
		args...)
	ins, err := scanInsurance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return ins, nil
}

func (s *PostgresStore) SetTxHash(ctx context.Context, id, txhash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE insurances SET txhash = $2 WHERE id = $1`, id, txhash)
	return err
}

func (s *PostgresStore) AppendStateLog(ctx context.Context, id string, entry model.StateLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal state log: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE insurances SET state_logs = state_logs || $2::JSONB WHERE id = $1`,
		id, string(data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *model.TransactionRecord) error {
	// The unique index on (insurance_id, type, txhash) absorbs duplicate
	// event deliveries: one deposit, one record.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, insurance_id, user_id, amount, unit, type, status, txhash, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, NULLIF($8, ''), $9)
		 ON CONFLICT (insurance_id, type, txhash) DO NOTHING`,
		tx.ID, tx.InsuranceID, tx.UserID, tx.Amount.String(), tx.Unit,
		tx.Type, tx.Status, tx.TxHash, tx.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID, insuranceID string) ([]model.TransactionRecord, error) {
	where := " WHERE 1=1"
	var args []any
	if userID != "" {
		args = append(args, userID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if insuranceID != "" {
		args = append(args, insuranceID)
		where += fmt.Sprintf(" AND insurance_id = $%d", len(args))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, insurance_id, user_id, amount::TEXT, unit, type, status,
		        COALESCE(txhash, ''), created_at
		 FROM transactions`+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.TransactionRecord
	for rows.Next() {
		var tx model.TransactionRecord
		var amount string
		if err := rows.Scan(&tx.ID, &tx.InsuranceID, &tx.UserID, &amount,
			&tx.Unit, &tx.Type, &tx.Status, &tx.TxHash, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, wallet_address FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.WalletAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) GetPair(ctx context.Context, symbol string) (*model.Pair, error) {
	var p model.Pair
	var dayRatios, hourRatios []string
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, asset, unit, is_active, is_maintain,
		        ARRAY(SELECT unnest(day_change_ratios)::TEXT),
		        ARRAY(SELECT unnest(hour_change_ratios)::TEXT)
		 FROM pairs WHERE symbol = $1`, symbol).
		Scan(&p.Symbol, &p.Asset, &p.Unit, &p.IsActive, &p.IsMaintain,
			&dayRatios, &hourRatios)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pair %s: %w", symbol, err)
	}

	p.DayChangeRatios = parseRatios(dayRatios)
	p.HourChangeRatios = parseRatios(hourRatios)
	return &p, nil
}

func parseRatios(raw []string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(raw))
	for _, r := range raw {
		d, _ := decimal.NewFromString(r)
		out = append(out, d)
	}
	return out
}

// buildInsuranceWhere translates a filter into a WHERE clause and args.
func buildInsuranceWhere(f InsuranceFilter) (string, []any) {
	clauses := []string{"1=1"}
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.Asset != "" {
		add("asset = $%d", strings.ToUpper(f.Asset))
	}
	if f.Query != "" {
		add("(id = $%d OR txhash ILIKE '%%' || $%[1]d || '%%')", f.Query)
	}
	if f.IsClosed {
		clauses = append(clauses, "closed_at IS NOT NULL")
	}
	if f.ClosedFrom != nil {
		add("closed_at >= $%d", *f.ClosedFrom)
	}
	if f.ClosedTo != nil {
		add("closed_at <= $%d", *f.ClosedTo)
	}
	if f.CreatedFrom != nil {
		add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= $%d", *f.CreatedTo)
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// buildInsuranceSet translates an Update into a SET clause and args.
func buildInsuranceSet(upd Update) (string, []any) {
	var sets []string
	var args []any

	set := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	setNum := func(col string, val *decimal.Decimal) {
		if val != nil {
			args = append(args, val.String())
			sets = append(sets, fmt.Sprintf("%s = $%d::NUMERIC", col, len(args)))
		}
	}

	if upd.State != nil {
		set("state", *upd.State)
	}
	setNum("p_open", upd.POpen)
	setNum("p_claim", upd.PClaim)
	setNum("p_liquidation", upd.PLiquidation)
	setNum("p_refund", upd.PRefund)
	setNum("p_cancel", upd.PCancel)
	setNum("p_close", upd.PClose)
	setNum("q_claim", upd.QClaim)
	setNum("system_capital", upd.SystemCapital)
	setNum("leverage", upd.Leverage)
	setNum("hedge", upd.Hedge)
	setNum("pnl_user", upd.PnlUser)
	setNum("pnl_project", upd.PnlProject)
	if upd.InvalidReason != nil {
		set("invalid_reason", *upd.InvalidReason)
	}
	if upd.ExpiredAt != nil {
		set("expired_at", *upd.ExpiredAt)
	}
	if upd.ClosedAt != nil {
		set("closed_at", *upd.ClosedAt)
	}

	return strings.Join(sets, ", "), args
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanInsurance(row pgxRow) (*model.Insurance, error) {
	var ins model.Insurance
	var margin, qCovered, qClaim, pOpen, pClaim, pLiq, pRefund, pCancel, pClose string
	var leverage, sysCap, hedge, pnlUser, pnlProject, changeRatio string
	var logs []byte

	err := row.Scan(&ins.ID, &ins.UserID, &ins.Asset, &ins.Unit, &ins.Side,
		&margin, &qCovered, &qClaim,
		&pOpen, &pClaim, &pLiq, &pRefund, &pCancel, &pClose,
		&leverage, &sysCap, &hedge, &pnlUser, &pnlProject,
		&ins.Period, &ins.PeriodUnit, &changeRatio,
		&ins.State, &ins.InvalidReason, &ins.TxHash,
		&logs, &ins.CreatedAt, &ins.ExpiredAt, &ins.ClosedAt)
	if err != nil {
		return nil, err
	}

	ins.Margin, _ = decimal.NewFromString(margin)
	ins.QCovered, _ = decimal.NewFromString(qCovered)
	ins.QClaim, _ = decimal.NewFromString(qClaim)
	ins.POpen, _ = decimal.NewFromString(pOpen)
	ins.PClaim, _ = decimal.NewFromString(pClaim)
	ins.PLiquidation, _ = decimal.NewFromString(pLiq)
	ins.PRefund, _ = decimal.NewFromString(pRefund)
	ins.PCancel, _ = decimal.NewFromString(pCancel)
	ins.PClose, _ = decimal.NewFromString(pClose)
	ins.Leverage, _ = decimal.NewFromString(leverage)
	ins.SystemCapital, _ = decimal.NewFromString(sysCap)
	ins.Hedge, _ = decimal.NewFromString(hedge)
	ins.PnlUser, _ = decimal.NewFromString(pnlUser)
	ins.PnlProject, _ = decimal.NewFromString(pnlProject)
	ins.PeriodChangeRatio, _ = decimal.NewFromString(changeRatio)

	if err := json.Unmarshal(logs, &ins.StateLogs); err != nil {
		return nil, fmt.Errorf("unmarshal state logs: %w", err)
	}
	return &ins, nil
}

func scanInsurances(rows pgx.Rows) ([]model.Insurance, error) {
	var list []model.Insurance
	for rows.Next() {
		ins, err := scanInsurance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *ins)
	}
	return list, rows.Err()
}
