/*
store.go - Persistence contract for the ledger and settlement records

PURPOSE:
  Defines the interface between settlement logic and the database.
  Every "check, then act" the engine needs is exposed here as a single
  atomic primitive: insert-if-absent, compare-and-set, or a row lock
  held until the surrounding transaction ends.

KEY INTERFACES:
  Store:  Read side plus WithTx
  Reader: Plain reads, no locks
  Tx:     Everything that may run inside one settlement unit

ATOMIC PRIMITIVES:
  EnsureBalance           INSERT ... ON CONFLICT DO NOTHING
  InsertCompletion        unique (user, network, offer); false on duplicate
  IncrementTaskCompletions UPDATE ... WHERE capacity remains
  Transition*             UPDATE ... WHERE id = ? AND status = from
  InsertWithdrawal        partial unique index, one pending per user
  Lock*                   SELECT ... FOR UPDATE (or the writer lock on SQLite)

BALANCE WRITES:
  SaveBalance and InsertTransaction are called only by Ledger. Other code
  moves money through Ledger.Credit and Ledger.Debit.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite, default for local runs and tests
  - store/postgres: PostgreSQL via pgxpool

SEE ALSO:
  - ledger.go: Credit/Debit on top of Tx
*/
package ledger

import "context"

// Reader exposes lock-free reads. Get* methods return (nil, nil) when the
// row does not exist.
type Reader interface {
	GetBalance(ctx context.Context, userID UserID) (*Balance, error)
	ListBalances(ctx context.Context) ([]Balance, error)

	// ListTransactions returns newest first. limit <= 0 returns all.
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	ListCompletions(ctx context.Context, userID UserID) ([]OfferwallCompletion, error)

	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, activeOnly bool) ([]Task, error)
	GetSubmission(ctx context.Context, id string) (*TaskSubmission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]TaskSubmission, error)

	GetReferral(ctx context.Context, id string) (*Referral, error)
	ListReferrals(ctx context.Context, status ReferralStatus) ([]Referral, error)

	GetWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]WithdrawalRequest, error)

	GetUserProfile(ctx context.Context, userID UserID) (*UserProfile, error)
}

// Store is implemented by each database backend.
type Store interface {
	Reader

	// WithTx runs fn as one atomic unit. The transaction commits if fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the set of operations available inside WithTx.
type Tx interface {
	// Balances
	EnsureBalance(ctx context.Context, userID UserID) error
	LockBalance(ctx context.Context, userID UserID) (*Balance, error)
	SaveBalance(ctx context.Context, b *Balance) error
	SetPayoutEmail(ctx context.Context, userID UserID, email string) error
	InsertTransaction(ctx context.Context, t *Transaction) error

	// Offerwall dedup. inserted is false when the key already exists.
	InsertCompletion(ctx context.Context, c *OfferwallCompletion) (inserted bool, err error)

	// Tasks
	InsertTask(ctx context.Context, t *Task) error
	LockTask(ctx context.Context, id string) (*Task, error)
	IncrementTaskCompletions(ctx context.Context, id string) (ok bool, err error)
	InsertSubmission(ctx context.Context, s *TaskSubmission) error
	LockSubmission(ctx context.Context, id string) (*TaskSubmission, error)
	TransitionSubmission(ctx context.Context, id string, from, to SubmissionStatus, r Review) (ok bool, err error)

	// Referrals
	InsertReferral(ctx context.Context, r *Referral) error
	LockReferral(ctx context.Context, id string) (*Referral, error)
	TransitionReferral(ctx context.Context, id string, from, to ReferralStatus, t ReferralTransition) (ok bool, err error)

	// Withdrawals
	InsertWithdrawal(ctx context.Context, w *WithdrawalRequest) error
	LockWithdrawal(ctx context.Context, id string) (*WithdrawalRequest, error)
	TransitionWithdrawal(ctx context.Context, id string, from, to WithdrawalStatus, t WithdrawalTransition) (ok bool, err error)

	// Profiles
	GetUserProfile(ctx context.Context, userID UserID) (*UserProfile, error)
	UpsertUserProfile(ctx context.Context, p *UserProfile) error
}
