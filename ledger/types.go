/*
Package ledger is the monetary core of the earning engine.

PURPOSE:
  Owns every user's balance and the append-only log of transactions that
  produced it. All other packages move money through Ledger.Credit and
  Ledger.Debit; nothing else writes a balance row.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance:     Materialized per-user view (balance, lifetime totals, payout email)
  - Transaction: Immutable signed ledger entry
  - TxKind:      Which reward source (or withdrawal) produced an entry
  - Posting:     Input to Credit/Debit

INVARIANT:
  For every user: Balance.BalanceUSD == SUM(Transaction.Amount).
  The balance row is rewritten in the same database transaction as the
  entry that changes it, so the two can never be observed apart.

USAGE:
  err := store.WithTx(ctx, func(tx ledger.Tx) error {
      _, err := l.Credit(ctx, tx, ledger.Posting{
          UserID:      "u1",
          Amount:      decimal.RequireFromString("1.00"),
          Kind:        ledger.KindOffer,
          Description: "CPAGrip offer o1",
      })
      return err
  })

SEE ALSO:
  - records.go: Settlement records (completions, tasks, referrals, withdrawals)
  - ledger.go:  Credit/Debit
  - store.go:   Persistence contract
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of decimal places persisted for USD amounts.
const MoneyScale = 8

// ParseAmount parses a decimal USD amount. Empty and malformed strings fail.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, &ValidationError{Field: field, Reason: "is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: "is not a decimal number"}
	}
	return d, nil
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// TxKind categorizes transactions by the event that produced them.
type TxKind string

const (
	KindOffer      TxKind = "offerwall"
	KindTask       TxKind = "task"
	KindReferral   TxKind = "referral"
	KindWithdrawal TxKind = "withdrawal"
	KindRefund     TxKind = "refund"
)

// Valid reports whether k is one of the known kinds.
func (k TxKind) Valid() bool {
	switch k {
	case KindOffer, KindTask, KindReferral, KindWithdrawal, KindRefund:
		return true
	}
	return false
}

// Transaction is one signed movement of money. Credits are positive,
// debits negative. Never updated or deleted once written.
type Transaction struct {
	ID     TransactionID
	UserID UserID
	Amount decimal.Decimal
	Kind   TxKind

	// Where the money came from, when it came from an external network
	SourceNetwork string
	SourceID      string

	Description string
	CreatedAt   time.Time
}

// Sum adds up transaction amounts.
func Sum(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		total = total.Add(t.Amount)
	}
	return total
}

// =============================================================================
// BALANCE - Materialized view over a user's transactions
// =============================================================================

type Balance struct {
	UserID     UserID
	BalanceUSD decimal.Decimal

	// Lifetime totals. Refunds are netted out of TotalWithdrawn rather
	// than counted as earnings.
	TotalEarned    decimal.Decimal
	TotalWithdrawn decimal.Decimal

	// FaucetPay address withdrawals are paid to
	PayoutEmail string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBalance returns the zero balance a user starts with.
func NewBalance(userID UserID, now time.Time) Balance {
	return Balance{
		UserID:         userID,
		BalanceUSD:     decimal.Zero,
		TotalEarned:    decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Posting describes a credit or debit before it becomes a Transaction.
// Amount is always positive; the direction comes from the call.
type Posting struct {
	UserID        UserID
	Amount        decimal.Decimal
	Kind          TxKind
	Description   string
	SourceNetwork string
	SourceID      string
}
