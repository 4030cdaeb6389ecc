package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

const uniqueViolation = "23505"

var _ RecordStore = (*Store)(nil)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// GetUser resolves a caller id to a user.
func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := s.Db.QueryRow(ctx,
		"SELECT id, username, COALESCE(wallet_address, ''), role FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.WalletAddress, &u.Role)
	if err != nil {
		return domain.User{}, notFound(err)
	}
	return u, nil
}

// CreateWallet inserts the wallet and binds it to its user in one transaction.
func (s *Store) CreateWallet(ctx context.Context, w domain.Wallet) (domain.Wallet, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE users SET wallet_address = $1 WHERE id = $2 AND wallet_address IS NULL",
		w.Address, w.UserID)
	if err != nil {
		return domain.Wallet{}, duplicate(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", w.UserID).Scan(&exists); err != nil {
			return domain.Wallet{}, err
		}
		if !exists {
			return domain.Wallet{}, ErrNotFound
		}
		return domain.Wallet{}, ErrDuplicate
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO wallets (address, public_key, private_key_digest, user_id)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		w.Address, w.PublicKey, w.PrivateKeyDigest, w.UserID,
	).Scan(&w.CreatedAt)
	if err != nil {
		return domain.Wallet{}, duplicate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Wallet{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return w, nil
}

func (s *Store) GetWalletByAddress(ctx context.Context, address string) (domain.Wallet, error) {
	var w domain.Wallet
	err := s.Db.QueryRow(ctx,
		"SELECT address, public_key, private_key_digest, user_id, created_at FROM wallets WHERE address = $1",
		address,
	).Scan(&w.Address, &w.PublicKey, &w.PrivateKeyDigest, &w.UserID, &w.CreatedAt)
	if err != nil {
		return domain.Wallet{}, notFound(err)
	}
	return w, nil
}

const membershipColumns = `id, name, description, price::text, collection_tag, token_id, trx_hash,
	status, creator_id, owner_id, created_at, updated_at`

func scanMembership(row pgx.Row) (domain.Membership, error) {
	var m domain.Membership
	var price string
	err := row.Scan(&m.ID, &m.Name, &m.Description, &price, &m.CollectionTag, &m.TokenID, &m.TrxHash,
		&m.Status, &m.CreatorID, &m.OwnerID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Membership{}, err
	}
	if m.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Membership{}, fmt.Errorf("membership %d price: %w", m.ID, err)
	}
	return m, nil
}

// CreateMemberships inserts one UNSOLD row per minted unit in a single statement.
func (s *Store) CreateMemberships(ctx context.Context, m domain.Membership, quantity int64) ([]domain.Membership, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	status := m.Status
	if status == "" {
		status = domain.MembershipUnsold
	}
	rows, err := s.Db.Query(ctx,
		`INSERT INTO memberships (name, description, price, collection_tag, token_id, trx_hash, status, creator_id, owner_id)
		 SELECT $1, $2, $3::numeric, $4, $5, $6, $7, $8, $9 FROM generate_series(1, $10::bigint)
		 RETURNING `+membershipColumns,
		m.Name, m.Description, m.Price.String(), m.CollectionTag, m.TokenID, m.TrxHash, status, m.CreatorID, m.OwnerID, quantity)
	if err != nil {
		return nil, fmt.Errorf("membership insert failed: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Membership, 0, quantity)
	for rows.Next() {
		created, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, rows.Err()
}

func (s *Store) GetMembership(ctx context.Context, id int64) (domain.Membership, error) {
	m, err := scanMembership(s.Db.QueryRow(ctx, "SELECT "+membershipColumns+" FROM memberships WHERE id = $1", id))
	if err != nil {
		return domain.Membership{}, notFound(err)
	}
	return m, nil
}

func (s *Store) ListMemberships(ctx context.Context, f MembershipFilter, page domain.Page) ([]domain.Membership, int64, error) {
	page = page.Normalize()
	rows, err := s.Db.Query(ctx,
		`SELECT `+membershipColumns+`, count(*) OVER ()
		 FROM memberships
		 WHERE ($1::text = '' OR status = $1::text) AND ($2::bigint = 0 OR owner_id = $2::bigint)
		 ORDER BY id
		 LIMIT $3 OFFSET $4`,
		string(f.Status), f.OwnerID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out   []domain.Membership
		total int64
	)
	for rows.Next() {
		var m domain.Membership
		var price string
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &price, &m.CollectionTag, &m.TokenID, &m.TrxHash,
			&m.Status, &m.CreatorID, &m.OwnerID, &m.CreatedAt, &m.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		if m.Price, err = decimal.NewFromString(price); err != nil {
			return nil, 0, fmt.Errorf("membership %d price: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && page.Offset > 0 {
		err = s.Db.QueryRow(ctx,
			"SELECT count(*) FROM memberships WHERE ($1::text = '' OR status = $1::text) AND ($2::bigint = 0 OR owner_id = $2::bigint)",
			string(f.Status), f.OwnerID).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s *Store) ClaimMembership(ctx context.Context, id int64, token string) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE memberships SET claim_token = $2, updated_at = now()
		 WHERE id = $1 AND status = 'UNSOLD' AND claim_token IS NULL`,
		id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.claimFailure(ctx, "memberships", "UNSOLD", id)
}

func (s *Store) ReleaseMembership(ctx context.Context, id int64, token string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE memberships SET claim_token = NULL, updated_at = now() WHERE id = $1 AND claim_token = $2",
		id, token)
	return err
}

func (s *Store) SellMembership(ctx context.Context, id int64, token string, buyerID int64, trxHash string) (domain.Membership, error) {
	m, err := scanMembership(s.Db.QueryRow(ctx,
		`UPDATE memberships
		 SET status = 'SOLD', owner_id = $3, trx_hash = $4, claim_token = NULL, updated_at = now()
		 WHERE id = $1 AND claim_token = $2 AND status = 'UNSOLD' AND owner_id = creator_id
		 RETURNING `+membershipColumns,
		id, token, buyerID, trxHash))
	if errors.Is(err, pgx.ErrNoRows) {
		var held bool
		if err := s.Db.QueryRow(ctx, "SELECT owner_id = creator_id FROM memberships WHERE id = $1", id).Scan(&held); err != nil {
			return domain.Membership{}, notFound(err)
		}
		if !held {
			return domain.Membership{}, ErrStaleStatus
		}
		return domain.Membership{}, s.claimFailure(ctx, "memberships", "UNSOLD", id)
	}
	if err != nil {
		return domain.Membership{}, err
	}
	return m, nil
}

// ClaimMemberships claims all ids in one transaction, locking rows in id order.
func (s *Store) ClaimMemberships(ctx context.Context, ids []int64, token string) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		"SELECT id, claim_token FROM memberships WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		ids)
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	found := make(map[int64]bool, len(ids))
	claimed := false
	for rows.Next() {
		var (
			id    int64
			claim *string
		)
		if err := rows.Scan(&id, &claim); err != nil {
			rows.Close()
			return err
		}
		found[id] = true
		claimed = claimed || claim != nil
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return ErrNotFound
		}
	}
	if claimed {
		return ErrClaimed
	}

	if _, err := tx.Exec(ctx,
		"UPDATE memberships SET claim_token = $2, updated_at = now() WHERE id = ANY($1)",
		ids, token); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ReleaseMemberships(ctx context.Context, ids []int64, token string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE memberships SET claim_token = NULL, updated_at = now() WHERE id = ANY($1) AND claim_token = $2",
		ids, token)
	return err
}

const tradeColumns = "id, requested_id, offered_id, user_id, status, trx_hash, created_at, updated_at"

func scanTrade(row pgx.Row) (domain.TradeRequest, error) {
	var t domain.TradeRequest
	err := row.Scan(&t.ID, &t.RequestedID, &t.OfferedID, &t.UserID, &t.Status, &t.TrxHash, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) CreateTrade(ctx context.Context, t domain.TradeRequest) (domain.TradeRequest, error) {
	created, err := scanTrade(s.Db.QueryRow(ctx,
		`INSERT INTO trade_requests (requested_id, offered_id, user_id, status)
		 VALUES ($1, $2, $3, 'PENDING') RETURNING `+tradeColumns,
		t.RequestedID, t.OfferedID, t.UserID))
	if err != nil {
		return domain.TradeRequest{}, fmt.Errorf("trade insert failed: %w", err)
	}
	return created, nil
}

func (s *Store) GetTrade(ctx context.Context, id int64) (domain.TradeRequest, error) {
	t, err := scanTrade(s.Db.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trade_requests WHERE id = $1", id))
	if err != nil {
		return domain.TradeRequest{}, notFound(err)
	}
	return t, nil
}

func (s *Store) ListTrades(ctx context.Context, userID int64, page domain.Page) ([]domain.TradeRequest, int64, error) {
	page = page.Normalize()
	rows, err := s.Db.Query(ctx,
		`SELECT t.id, t.requested_id, t.offered_id, t.user_id, t.status, t.trx_hash, t.created_at, t.updated_at,
		        count(*) OVER ()
		 FROM trade_requests t
		 JOIN memberships m ON m.id = t.requested_id
		 WHERE t.user_id = $1 OR m.owner_id = $1
		 ORDER BY t.id DESC
		 LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out   []domain.TradeRequest
		total int64
	)
	for rows.Next() {
		var t domain.TradeRequest
		if err := rows.Scan(&t.ID, &t.RequestedID, &t.OfferedID, &t.UserID, &t.Status, &t.TrxHash,
			&t.CreatedAt, &t.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *Store) ClaimTrade(ctx context.Context, id int64, token string) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE trade_requests SET claim_token = $2, updated_at = now()
		 WHERE id = $1 AND status = 'PENDING' AND claim_token IS NULL`,
		id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.claimFailure(ctx, "trade_requests", "PENDING", id)
}

func (s *Store) ReleaseTrade(ctx context.Context, id int64, token string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE trade_requests SET claim_token = NULL, updated_at = now() WHERE id = $1 AND claim_token = $2",
		id, token)
	return err
}

// SettleTrade executes the owner swap within a transaction with deterministic locking.
func (s *Store) SettleTrade(ctx context.Context, id int64, token, trxHash string) (domain.TradeRequest, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return domain.TradeRequest{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		requestedID, offeredID, requesterID int64
		status                              domain.TradeStatus
		claim                               *string
	)
	err = tx.QueryRow(ctx,
		"SELECT requested_id, offered_id, user_id, status, claim_token FROM trade_requests WHERE id = $1 FOR UPDATE",
		id).Scan(&requestedID, &offeredID, &requesterID, &status, &claim)
	if err != nil {
		return domain.TradeRequest{}, notFound(err)
	}
	if status != domain.TradePending {
		return domain.TradeRequest{}, ErrStaleStatus
	}
	if claim == nil || *claim != token {
		return domain.TradeRequest{}, ErrClaimed
	}

	// Acquire membership locks in id order.
	rows, err := tx.Query(ctx,
		"SELECT id, owner_id, claim_token FROM memberships WHERE id IN ($1, $2) ORDER BY id FOR UPDATE",
		requestedID, offeredID)
	if err != nil {
		return domain.TradeRequest{}, fmt.Errorf("lock acquisition failed: %w", err)
	}
	owners := make(map[int64]int64, 2)
	ownClaims := 0
	for rows.Next() {
		var (
			mid, owner int64
			mclaim     *string
		)
		if err := rows.Scan(&mid, &owner, &mclaim); err != nil {
			rows.Close()
			return domain.TradeRequest{}, err
		}
		owners[mid] = owner
		if mclaim != nil && *mclaim == token {
			ownClaims++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.TradeRequest{}, err
	}
	if len(owners) != 2 {
		return domain.TradeRequest{}, ErrNotFound
	}
	if ownClaims != 2 {
		return domain.TradeRequest{}, ErrClaimed
	}
	if owners[offeredID] != requesterID {
		return domain.TradeRequest{}, ErrStaleStatus
	}

	_, err = tx.Exec(ctx,
		`UPDATE memberships
		 SET owner_id = CASE id WHEN $1 THEN $3::bigint ELSE $4::bigint END, claim_token = NULL, updated_at = now()
		 WHERE id IN ($1, $2)`,
		requestedID, offeredID, requesterID, owners[requestedID])
	if err != nil {
		return domain.TradeRequest{}, fmt.Errorf("owner swap failed: %w", err)
	}

	settled, err := scanTrade(tx.QueryRow(ctx,
		`UPDATE trade_requests SET status = 'ACCEPTED', trx_hash = $2, claim_token = NULL, updated_at = now()
		 WHERE id = $1 RETURNING `+tradeColumns,
		id, trxHash))
	if err != nil {
		return domain.TradeRequest{}, fmt.Errorf("trade update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.TradeRequest{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return settled, nil
}

func (s *Store) TransitionTrade(ctx context.Context, id int64, to domain.TradeStatus) (domain.TradeRequest, error) {
	if !to.Terminal() {
		return domain.TradeRequest{}, fmt.Errorf("trade status %q is not terminal", to)
	}
	t, err := scanTrade(s.Db.QueryRow(ctx,
		`UPDATE trade_requests SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = 'PENDING' AND claim_token IS NULL
		 RETURNING `+tradeColumns,
		id, string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeRequest{}, s.claimFailure(ctx, "trade_requests", "PENDING", id)
	}
	return t, err
}

// claimFailure explains why a conditional update on table touched no row.
func (s *Store) claimFailure(ctx context.Context, table, wantStatus string, id int64) error {
	var (
		status string
		claim  *string
	)
	err := s.Db.QueryRow(ctx, "SELECT status, claim_token FROM "+table+" WHERE id = $1", id).Scan(&status, &claim)
	if err != nil {
		return notFound(err)
	}
	if status != wantStatus {
		return ErrStaleStatus
	}
	if claim != nil {
		return ErrClaimed
	}
	return ErrStaleStatus
}

const approvalColumns = `id::text, owner, operator, state, funding_tx_hash, approval_tx_hash, attempts, last_error,
	created_at, updated_at`

func scanApprovalJob(row pgx.Row) (domain.ApprovalJob, error) {
	var j domain.ApprovalJob
	err := row.Scan(&j.ID, &j.Owner, &j.Operator, &j.State, &j.FundingTxHash, &j.ApprovalTxHash,
		&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (s *Store) CreateApprovalJob(ctx context.Context, job domain.ApprovalJob) (domain.ApprovalJob, error) {
	created, err := scanApprovalJob(s.Db.QueryRow(ctx,
		`INSERT INTO approval_jobs (id, owner, operator, state) VALUES ($1, $2, $3, $4)
		 RETURNING `+approvalColumns,
		job.ID, job.Owner, job.Operator, string(job.State)))
	if err != nil {
		return domain.ApprovalJob{}, duplicate(err)
	}
	return created, nil
}

func (s *Store) GetApprovalJob(ctx context.Context, id string) (domain.ApprovalJob, error) {
	j, err := scanApprovalJob(s.Db.QueryRow(ctx, "SELECT "+approvalColumns+" FROM approval_jobs WHERE id = $1", id))
	if err != nil {
		return domain.ApprovalJob{}, notFound(err)
	}
	return j, nil
}

func (s *Store) LatestApprovalJob(ctx context.Context, owner string) (domain.ApprovalJob, error) {
	j, err := scanApprovalJob(s.Db.QueryRow(ctx,
		"SELECT "+approvalColumns+" FROM approval_jobs WHERE owner = $1 ORDER BY created_at DESC LIMIT 1", owner))
	if err != nil {
		return domain.ApprovalJob{}, notFound(err)
	}
	return j, nil
}

func (s *Store) UpdateApprovalJob(ctx context.Context, job domain.ApprovalJob, from domain.ApprovalState) (domain.ApprovalJob, error) {
	updated, err := scanApprovalJob(s.Db.QueryRow(ctx,
		`UPDATE approval_jobs
		 SET state = $3, funding_tx_hash = $4, approval_tx_hash = $5, attempts = $6, last_error = $7, updated_at = now()
		 WHERE id = $1 AND state = $2
		 RETURNING `+approvalColumns,
		job.ID, string(from), string(job.State), job.FundingTxHash, job.ApprovalTxHash, job.Attempts, job.LastError))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetApprovalJob(ctx, job.ID); getErr != nil {
			return domain.ApprovalJob{}, getErr
		}
		return domain.ApprovalJob{}, ErrStaleStatus
	}
	return updated, err
}

func (s *Store) ListOpenApprovalJobs(ctx context.Context, limit int) ([]domain.ApprovalJob, error) {
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	rows, err := s.Db.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_jobs
		 WHERE state NOT IN ('APPROVAL_CONFIRMED', 'FAILED')
		 ORDER BY updated_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApprovalJob
	for rows.Next() {
		j, err := scanApprovalJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
