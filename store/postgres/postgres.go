/*
Package postgres provides a PostgreSQL implementation of ledger.Store on
top of pgxpool.

PURPOSE:
  Production backend. Several engine processes may share one database, so
  every guarantee the settlement layer relies on is enforced here by
  Postgres itself: unique indexes, conditional updates and row locks.

CONCURRENCY:
  WithTx opens a READ COMMITTED transaction. Lock* methods use
  SELECT ... FOR UPDATE, so a second unit touching the same row waits
  until the first commits and then reads its result. Conditional UPDATEs
  re-check their WHERE clause after the wait, which is what keeps
  task capacity and status transitions exact.

MONEY:
  NUMERIC(20,8). Values cross the wire as text (::text on read) and are
  parsed with shopspring/decimal, so no float ever touches a balance.

SEE ALSO:
  - store/sqlite: Same schema for local runs and tests
  - tx.go:        Transaction-scoped primitives
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/earning-engine/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to databaseURL, checks the connection and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance_usd NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (balance_usd >= 0),
		total_earned NUMERIC(20,8) NOT NULL DEFAULT 0,
		total_withdrawn NUMERIC(20,8) NOT NULL DEFAULT 0,
		payout_email TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		user_id TEXT NOT NULL REFERENCES balances(user_id),
		amount NUMERIC(20,8) NOT NULL CHECK (amount <> 0),
		kind TEXT NOT NULL,
		source_network TEXT,
		source_id TEXT,
		description TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS offerwall_completions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		network TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		external_tx_id TEXT,
		gross_payout NUMERIC(20,8) NOT NULL,
		user_reward NUMERIC(20,8) NOT NULL,
		ip TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_completions_dedup
		ON offerwall_completions(user_id, network, offer_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		reward_usd NUMERIC(20,8) NOT NULL,
		max_completions INTEGER NOT NULL DEFAULT 0 CHECK (max_completions >= 0),
		current_completions INTEGER NOT NULL DEFAULT 0 CHECK (
			current_completions >= 0 AND
			(max_completions = 0 OR current_completions <= max_completions)
		),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_submissions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		proof TEXT,
		admin_notes TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		reviewed_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_task_user ON task_submissions(task_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_status ON task_submissions(status);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		links_created INTEGER NOT NULL DEFAULT 0,
		admin_notes TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		validated_at TIMESTAMPTZ,
		rewarded_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_referred ON referrals(referred_id);
	CREATE INDEX IF NOT EXISTS idx_referrals_status ON referrals(status);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_usd NUMERIC(20,8) NOT NULL,
		coin_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payout_email TEXT NOT NULL,
		tx_hash TEXT,
		admin_notes TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_withdrawals_one_pending
		ON withdrawal_requests(user_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawal_requests(user_id, created_at);

	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		social_verified BOOLEAN NOT NULL DEFAULT FALSE,
		links_created INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`)
	return err
}

// WithTx runs fn in one transaction, committing only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&txStore{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	return getBalance(ctx, s.pool, userID, false)
}

func (s *Store) ListBalances(ctx context.Context) ([]ledger.Balance, error) {
	rows, err := s.pool.Query(ctx, selectBalance+` ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	return collect(rows, scanBalance)
}

func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	query := `
		SELECT id, user_id, amount::text, kind, source_network, source_id, description, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*ledger.Transaction, error) {
		var (
			t                 ledger.Transaction
			amount            string
			network, sourceID *string
		)
		if err := row.Scan(&t.ID, &t.UserID, &amount, &t.Kind, &network, &sourceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Amount = parseMoney(amount)
		t.SourceNetwork = deref(network)
		t.SourceID = deref(sourceID)
		t.CreatedAt = t.CreatedAt.UTC()
		return &t, nil
	})
}

func (s *Store) ListCompletions(ctx context.Context, userID ledger.UserID) ([]ledger.OfferwallCompletion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, network, offer_id, external_tx_id, gross_payout::text, user_reward::text, ip, created_at
		FROM offerwall_completions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*ledger.OfferwallCompletion, error) {
		var (
			c              ledger.OfferwallCompletion
			externalID, ip *string
			gross, reward  string
		)
		if err := row.Scan(&c.ID, &c.UserID, &c.Network, &c.OfferID, &externalID, &gross, &reward, &ip, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		c.ExternalTxID = deref(externalID)
		c.IP = deref(ip)
		c.GrossPayout = parseMoney(gross)
		c.UserReward = parseMoney(reward)
		c.CreatedAt = c.CreatedAt.UTC()
		return &c, nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*ledger.Task, error) {
	return getTask(ctx, s.pool, id, false)
}

func (s *Store) ListTasks(ctx context.Context, activeOnly bool) ([]ledger.Task, error) {
	query := selectTask
	if activeOnly {
		query += ` WHERE active`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return collect(rows, scanTask)
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*ledger.TaskSubmission, error) {
	return getSubmission(ctx, s.pool, id, false)
}

func (s *Store) ListSubmissions(ctx context.Context, filter ledger.SubmissionFilter) ([]ledger.TaskSubmission, error) {
	var w where
	if filter.Status != "" {
		w.add("status", string(filter.Status))
	}
	if filter.TaskID != "" {
		w.add("task_id", filter.TaskID)
	}
	if filter.UserID != "" {
		w.add("user_id", string(filter.UserID))
	}

	rows, err := s.pool.Query(ctx, selectSubmission+w.String()+` ORDER BY created_at ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	return collect(rows, scanSubmission)
}

func (s *Store) GetReferral(ctx context.Context, id string) (*ledger.Referral, error) {
	return getReferral(ctx, s.pool, id, false)
}

func (s *Store) ListReferrals(ctx context.Context, status ledger.ReferralStatus) ([]ledger.Referral, error) {
	var w where
	if status != "" {
		w.add("status", string(status))
	}
	rows, err := s.pool.Query(ctx, selectReferral+w.String()+` ORDER BY created_at ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	return collect(rows, scanReferral)
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, s.pool, id, false)
}

func (s *Store) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.WithdrawalRequest, error) {
	var w where
	if filter.Status != "" {
		w.add("status", string(filter.Status))
	}
	if filter.UserID != "" {
		w.add("user_id", string(filter.UserID))
	}
	rows, err := s.pool.Query(ctx, selectWithdrawal+w.String()+` ORDER BY created_at DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	return collect(rows, scanWithdrawal)
}

func (s *Store) GetUserProfile(ctx context.Context, userID ledger.UserID) (*ledger.UserProfile, error) {
	return getUserProfile(ctx, s.pool, userID)
}

// =============================================================================
// SHARED QUERIES - run against the pool or a pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// getOne runs a single-row select, appending FOR UPDATE when lock is set.
// A missing row is (nil, nil).
func getOne[T any](ctx context.Context, q querier, query string, lock bool, scan func(pgx.Row) (*T, error), args ...any) (*T, error) {
	if lock {
		query += ` FOR UPDATE`
	}
	v, err := scan(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// scanErr keeps pgx.ErrNoRows matchable for getOne.
func scanErr(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("failed to scan %s: %w", what, err)
}

const selectBalance = `
	SELECT user_id, balance_usd::text, total_earned::text, total_withdrawn::text, payout_email, created_at, updated_at
	FROM balances`

func getBalance(ctx context.Context, q querier, userID ledger.UserID, lock bool) (*ledger.Balance, error) {
	return getOne(ctx, q, selectBalance+` WHERE user_id = $1`, lock, scanBalance, string(userID))
}

func scanBalance(row pgx.Row) (*ledger.Balance, error) {
	var (
		b                     ledger.Balance
		balance, earned, paid string
		email                 *string
	)
	if err := row.Scan(&b.UserID, &balance, &earned, &paid, &email, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, scanErr("balance", err)
	}
	b.BalanceUSD = parseMoney(balance)
	b.TotalEarned = parseMoney(earned)
	b.TotalWithdrawn = parseMoney(paid)
	b.PayoutEmail = deref(email)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

const selectTask = `
	SELECT id, title, description, reward_usd::text, max_completions, current_completions, active, created_at
	FROM tasks`

func getTask(ctx context.Context, q querier, id string, lock bool) (*ledger.Task, error) {
	return getOne(ctx, q, selectTask+` WHERE id = $1`, lock, scanTask, id)
}

func scanTask(row pgx.Row) (*ledger.Task, error) {
	var (
		t           ledger.Task
		description *string
		reward      string
	)
	if err := row.Scan(&t.ID, &t.Title, &description, &reward, &t.MaxCompletions,
		&t.CurrentCompletions, &t.Active, &t.CreatedAt); err != nil {
		return nil, scanErr("task", err)
	}
	t.Description = deref(description)
	t.RewardUSD = parseMoney(reward)
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

const selectSubmission = `
	SELECT id, task_id, user_id, status, proof, admin_notes, created_at, reviewed_at
	FROM task_submissions`

func getSubmission(ctx context.Context, q querier, id string, lock bool) (*ledger.TaskSubmission, error) {
	return getOne(ctx, q, selectSubmission+` WHERE id = $1`, lock, scanSubmission, id)
}

func scanSubmission(row pgx.Row) (*ledger.TaskSubmission, error) {
	var (
		sub          ledger.TaskSubmission
		proof, notes *string
	)
	if err := row.Scan(&sub.ID, &sub.TaskID, &sub.UserID, &sub.Status, &proof, &notes,
		&sub.CreatedAt, &sub.ReviewedAt); err != nil {
		return nil, scanErr("submission", err)
	}
	sub.Proof = deref(proof)
	sub.AdminNotes = deref(notes)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.ReviewedAt = utcPtr(sub.ReviewedAt)
	return &sub, nil
}

const selectReferral = `
	SELECT id, referrer_id, referred_id, status, links_created, admin_notes, created_at, validated_at, rewarded_at
	FROM referrals`

func getReferral(ctx context.Context, q querier, id string, lock bool) (*ledger.Referral, error) {
	return getOne(ctx, q, selectReferral+` WHERE id = $1`, lock, scanReferral, id)
}

func scanReferral(row pgx.Row) (*ledger.Referral, error) {
	var (
		r     ledger.Referral
		notes *string
	)
	if err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Status, &r.LinksCreated, &notes,
		&r.CreatedAt, &r.ValidatedAt, &r.RewardedAt); err != nil {
		return nil, scanErr("referral", err)
	}
	r.AdminNotes = deref(notes)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ValidatedAt = utcPtr(r.ValidatedAt)
	r.RewardedAt = utcPtr(r.RewardedAt)
	return &r, nil
}

const selectWithdrawal = `
	SELECT id, user_id, amount_usd::text, coin_type, status, payout_email, tx_hash, admin_notes, created_at, processed_at
	FROM withdrawal_requests`

func getWithdrawal(ctx context.Context, q querier, id string, lock bool) (*ledger.WithdrawalRequest, error) {
	return getOne(ctx, q, selectWithdrawal+` WHERE id = $1`, lock, scanWithdrawal, id)
}

func scanWithdrawal(row pgx.Row) (*ledger.WithdrawalRequest, error) {
	var (
		w             ledger.WithdrawalRequest
		amount        string
		txHash, notes *string
	)
	if err := row.Scan(&w.ID, &w.UserID, &amount, &w.CoinType, &w.Status, &w.PayoutEmail,
		&txHash, &notes, &w.CreatedAt, &w.ProcessedAt); err != nil {
		return nil, scanErr("withdrawal", err)
	}
	w.AmountUSD = parseMoney(amount)
	w.TxHash = deref(txHash)
	w.AdminNotes = deref(notes)
	w.CreatedAt = w.CreatedAt.UTC()
	w.ProcessedAt = utcPtr(w.ProcessedAt)
	return &w, nil
}

func getUserProfile(ctx context.Context, q querier, userID ledger.UserID) (*ledger.UserProfile, error) {
	return getOne(ctx, q, `
		SELECT user_id, social_verified, links_created, updated_at
		FROM user_profiles WHERE user_id = $1`, false,
		func(row pgx.Row) (*ledger.UserProfile, error) {
			var p ledger.UserProfile
			if err := row.Scan(&p.UserID, &p.SocialVerified, &p.LinksCreated, &p.UpdatedAt); err != nil {
				return nil, scanErr("user profile", err)
			}
			p.UpdatedAt = p.UpdatedAt.UTC()
			return &p, nil
		}, string(userID))
}

// =============================================================================
// HELPERS
// =============================================================================

// where builds "WHERE a = $1 AND b = $2" with matching args.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(column string, value any) {
	w.args = append(w.args, value)
	w.conds = append(w.conds, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func parseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
