/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default backend for local runs and the whole test suite. The schema and
  statements mirror store/postgres; only the locking strategy differs.

KEY TABLES:
  balances:              One row per user, materialized from transactions
  transactions:          Append-only ledger
  offerwall_completions: Postback dedup, unique (user_id, network, offer_id)
  tasks, task_submissions
  referrals:             Unique per referred user
  withdrawal_requests:   At most one pending row per user (partial index)
  user_profiles:         Eligibility facts mirrored from other services

CONCURRENCY:
  SQLite allows one writer at a time. WithTx holds the store mutex for the
  whole transaction and opens it with BEGIN IMMEDIATE (_txlock=immediate),
  so every settlement unit runs alone and Lock* reads need no row locks.
  Readers take the mutex shared.

IN-MEMORY DATABASES:
  ":memory:" is private to a connection, so the pool is pinned to one
  connection. Nothing inside WithTx may use the pool; txStore only talks
  to its *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/earnings.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - tx.go:           Transaction-scoped primitives
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/earning-engine/ledger"
)

// Fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance_usd TEXT NOT NULL DEFAULT '0' CHECK (CAST(balance_usd AS REAL) >= 0),
		total_earned TEXT NOT NULL DEFAULT '0',
		total_withdrawn TEXT NOT NULL DEFAULT '0',
		payout_email TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only: no UPDATE or DELETE is ever issued against this table
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES balances(user_id),
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		source_network TEXT,
		source_id TEXT,
		description TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS offerwall_completions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		network TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		external_tx_id TEXT,
		gross_payout TEXT NOT NULL,
		user_reward TEXT NOT NULL,
		ip TEXT,
		created_at TEXT NOT NULL
	);

	-- Postback dedup key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_completions_dedup
		ON offerwall_completions(user_id, network, offer_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		reward_usd TEXT NOT NULL,
		max_completions INTEGER NOT NULL DEFAULT 0 CHECK (max_completions >= 0),
		current_completions INTEGER NOT NULL DEFAULT 0 CHECK (
			current_completions >= 0 AND
			(max_completions = 0 OR current_completions <= max_completions)
		),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_submissions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		proof TEXT,
		admin_notes TEXT,
		created_at TEXT NOT NULL,
		reviewed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_task_user
		ON task_submissions(task_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_status
		ON task_submissions(status);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		links_created INTEGER NOT NULL DEFAULT 0,
		admin_notes TEXT,
		created_at TEXT NOT NULL,
		validated_at TEXT,
		rewarded_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_referred
		ON referrals(referred_id);
	CREATE INDEX IF NOT EXISTS idx_referrals_status
		ON referrals(status);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		coin_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payout_email TEXT NOT NULL,
		tx_hash TEXT,
		admin_notes TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	-- At most one withdrawal in flight per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_withdrawals_one_pending
		ON withdrawal_requests(user_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_withdrawals_user
		ON withdrawal_requests(user_id, created_at);

	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		social_verified BOOLEAN NOT NULL DEFAULT FALSE,
		links_created INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a single BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, userID)
}

func (s *Store) ListBalances(ctx context.Context) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectBalance+` ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, amount, kind, source_network, source_id, description, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			t         ledger.Transaction
			network   sql.NullString
			sourceID  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &network, &sourceID, &t.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.SourceNetwork = network.String
		t.SourceID = sourceID.String
		t.CreatedAt = parseTime(createdAt)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) ListCompletions(ctx context.Context, userID ledger.UserID) ([]ledger.OfferwallCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, network, offer_id, external_tx_id, gross_payout, user_reward, ip, created_at
		FROM offerwall_completions
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var completions []ledger.OfferwallCompletion
	for rows.Next() {
		var (
			c          ledger.OfferwallCompletion
			externalID sql.NullString
			ip         sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Network, &c.OfferID, &externalID,
			&c.GrossPayout, &c.UserReward, &ip, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		c.ExternalTxID = externalID.String
		c.IP = ip.String
		c.CreatedAt = parseTime(createdAt)
		completions = append(completions, c)
	}
	return completions, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*ledger.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTask(ctx, s.db, id)
}

func (s *Store) ListTasks(ctx context.Context, activeOnly bool) ([]ledger.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectTask
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ledger.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*ledger.TaskSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSubmission(ctx, s.db, id)
}

func (s *Store) ListSubmissions(ctx context.Context, filter ledger.SubmissionFilter) ([]ledger.TaskSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	rows, err := s.db.QueryContext(ctx, selectSubmission+whereClause(where)+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var submissions []ledger.TaskSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, *sub)
	}
	return submissions, rows.Err()
}

func (s *Store) GetReferral(ctx context.Context, id string) (*ledger.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReferral(ctx, s.db, id)
}

func (s *Store) ListReferrals(ctx context.Context, status ledger.ReferralStatus) ([]ledger.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectReferral
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var referrals []ledger.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, *r)
	}
	return referrals, rows.Err()
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*ledger.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWithdrawal(ctx, s.db, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, filter ledger.WithdrawalFilter) ([]ledger.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	rows, err := s.db.QueryContext(ctx, selectWithdrawal+whereClause(where)+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []ledger.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *w)
	}
	return withdrawals, rows.Err()
}

func (s *Store) GetUserProfile(ctx context.Context, userID ledger.UserID) (*ledger.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUserProfile(ctx, s.db, userID)
}

// =============================================================================
// SHARED QUERIES - run against *sql.DB or *sql.Tx
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const selectBalance = `
	SELECT user_id, balance_usd, total_earned, total_withdrawn, payout_email, created_at, updated_at
	FROM balances`

func getBalance(ctx context.Context, q queryer, userID ledger.UserID) (*ledger.Balance, error) {
	b, err := scanBalance(q.QueryRowContext(ctx, selectBalance+` WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func scanBalance(row scanner) (*ledger.Balance, error) {
	var (
		b         ledger.Balance
		email     sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&b.UserID, &b.BalanceUSD, &b.TotalEarned, &b.TotalWithdrawn, &email, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan balance: %w", err)
	}
	b.PayoutEmail = email.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

const selectTask = `
	SELECT id, title, description, reward_usd, max_completions, current_completions, active, created_at
	FROM tasks`

func getTask(ctx context.Context, q queryer, id string) (*ledger.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func scanTask(row scanner) (*ledger.Task, error) {
	var (
		t           ledger.Task
		description sql.NullString
		createdAt   string
	)
	err := row.Scan(&t.ID, &t.Title, &description, &t.RewardUSD, &t.MaxCompletions,
		&t.CurrentCompletions, &t.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Description = description.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

const selectSubmission = `
	SELECT id, task_id, user_id, status, proof, admin_notes, created_at, reviewed_at
	FROM task_submissions`

func getSubmission(ctx context.Context, q queryer, id string) (*ledger.TaskSubmission, error) {
	sub, err := scanSubmission(q.QueryRowContext(ctx, selectSubmission+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func scanSubmission(row scanner) (*ledger.TaskSubmission, error) {
	var (
		sub        ledger.TaskSubmission
		proof      sql.NullString
		notes      sql.NullString
		createdAt  string
		reviewedAt sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.TaskID, &sub.UserID, &sub.Status, &proof, &notes, &createdAt, &reviewedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan submission: %w", err)
	}
	sub.Proof = proof.String
	sub.AdminNotes = notes.String
	sub.CreatedAt = parseTime(createdAt)
	sub.ReviewedAt = parseNullTime(reviewedAt)
	return &sub, nil
}

const selectReferral = `
	SELECT id, referrer_id, referred_id, status, links_created, admin_notes, created_at, validated_at, rewarded_at
	FROM referrals`

func getReferral(ctx context.Context, q queryer, id string) (*ledger.Referral, error) {
	r, err := scanReferral(q.QueryRowContext(ctx, selectReferral+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanReferral(row scanner) (*ledger.Referral, error) {
	var (
		r           ledger.Referral
		notes       sql.NullString
		createdAt   string
		validatedAt sql.NullString
		rewardedAt  sql.NullString
	)
	err := row.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Status, &r.LinksCreated, &notes,
		&createdAt, &validatedAt, &rewardedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan referral: %w", err)
	}
	r.AdminNotes = notes.String
	r.CreatedAt = parseTime(createdAt)
	r.ValidatedAt = parseNullTime(validatedAt)
	r.RewardedAt = parseNullTime(rewardedAt)
	return &r, nil
}

const selectWithdrawal = `
	SELECT id, user_id, amount_usd, coin_type, status, payout_email, tx_hash, admin_notes, created_at, processed_at
	FROM withdrawal_requests`

func getWithdrawal(ctx context.Context, q queryer, id string) (*ledger.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.QueryRowContext(ctx, selectWithdrawal+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func scanWithdrawal(row scanner) (*ledger.WithdrawalRequest, error) {
	var (
		w           ledger.WithdrawalRequest
		txHash      sql.NullString
		notes       sql.NullString
		createdAt   string
		processedAt sql.NullString
	)
	err := row.Scan(&w.ID, &w.UserID, &w.AmountUSD, &w.CoinType, &w.Status, &w.PayoutEmail,
		&txHash, &notes, &createdAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	w.TxHash = txHash.String
	w.AdminNotes = notes.String
	w.CreatedAt = parseTime(createdAt)
	w.ProcessedAt = parseNullTime(processedAt)
	return &w, nil
}

func getUserProfile(ctx context.Context, q queryer, userID ledger.UserID) (*ledger.UserProfile, error) {
	var (
		p         ledger.UserProfile
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, social_verified, links_created, updated_at
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.SocialVerified, &p.LinksCreated, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func money(d decimal.Decimal) string {
	return d.String()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.Code == sqlite3.ErrConstraint &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
