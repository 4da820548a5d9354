/*
ledger.go - Credit and debit, the only balance mutations

PURPOSE:
  Turns a Posting into a Transaction and rewrites the balance row in the
  same database transaction. Callers supply the Tx, so a credit can be
  composed with a dedup insert or a status change into one unit.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: transactions are inserted, never updated or deleted
  2. CONSERVATION: balance == SUM(transactions) after every commit
  3. NON-NEGATIVE: a debit never drives the balance below zero

LOCKING:
  Both operations lock the balance row before reading it. On Postgres this
  is SELECT ... FOR UPDATE, so the sufficiency check in Debit and the write
  that follows cannot interleave with another debit for the same user.

SEE ALSO:
  - store.go: Tx primitives used here
  - settlement/coordinator.go: Opens the transaction and takes the keyed lock
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger writes postings against a Tx.
type Ledger struct {
	Now   func() time.Time
	NewID func() string
}

// New returns a Ledger using wall-clock UTC time and random UUIDs.
func New() *Ledger {
	return &Ledger{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// GetOrCreateBalance returns the user's balance row, creating a zero row on
// first access. The row stays locked until tx ends.
func (l *Ledger) GetOrCreateBalance(ctx context.Context, tx Tx, userID UserID) (*Balance, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if err := tx.EnsureBalance(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure balance for %s: %w", userID, err)
	}
	b, err := tx.LockBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock balance for %s: %w", userID, err)
	}
	if b == nil {
		return nil, fmt.Errorf("balance for %s missing after insert", userID)
	}
	return b, nil
}

// Credit appends a positive transaction and raises the balance by the same
// amount. Returns the new balance.
func (l *Ledger) Credit(ctx context.Context, tx Tx, p Posting) (decimal.Decimal, error) {
	if err := validatePosting(p); err != nil {
		return decimal.Zero, err
	}

	b, err := l.GetOrCreateBalance(ctx, tx, p.UserID)
	if err != nil {
		return decimal.Zero, err
	}

	b.BalanceUSD = b.BalanceUSD.Add(p.Amount)
	if p.Kind == KindRefund {
		b.TotalWithdrawn = b.TotalWithdrawn.Sub(p.Amount)
	} else {
		b.TotalEarned = b.TotalEarned.Add(p.Amount)
	}

	if err := l.write(ctx, tx, b, p, p.Amount); err != nil {
		return decimal.Zero, err
	}
	return b.BalanceUSD, nil
}

// Debit appends a negative transaction and lowers the balance, or fails with
// InsufficientBalanceError when the balance does not cover the amount.
// Returns the new balance.
func (l *Ledger) Debit(ctx context.Context, tx Tx, p Posting) (decimal.Decimal, error) {
	if err := validatePosting(p); err != nil {
		return decimal.Zero, err
	}

	b, err := l.GetOrCreateBalance(ctx, tx, p.UserID)
	if err != nil {
		return decimal.Zero, err
	}

	if b.BalanceUSD.LessThan(p.Amount) {
		return decimal.Zero, &InsufficientBalanceError{
			UserID:    p.UserID,
			Available: b.BalanceUSD,
			Requested: p.Amount,
		}
	}

	b.BalanceUSD = b.BalanceUSD.Sub(p.Amount)
	if p.Kind == KindWithdrawal {
		b.TotalWithdrawn = b.TotalWithdrawn.Add(p.Amount)
	}

	if err := l.write(ctx, tx, b, p, p.Amount.Neg()); err != nil {
		return decimal.Zero, err
	}
	return b.BalanceUSD, nil
}

func (l *Ledger) write(ctx context.Context, tx Tx, b *Balance, p Posting, signed decimal.Decimal) error {
	now := l.Now()
	entry := &Transaction{
		ID:            TransactionID(l.NewID()),
		UserID:        p.UserID,
		Amount:        signed,
		Kind:          p.Kind,
		SourceNetwork: p.SourceNetwork,
		SourceID:      p.SourceID,
		Description:   p.Description,
		CreatedAt:     now,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return fmt.Errorf("append %s transaction: %w", p.Kind, err)
	}

	b.UpdatedAt = now
	if err := tx.SaveBalance(ctx, b); err != nil {
		return fmt.Errorf("save balance for %s: %w", p.UserID, err)
	}
	return nil
}

func validatePosting(p Posting) error {
	if p.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if !p.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if p.Amount.Exponent() < -MoneyScale {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("more than %d decimal places", MoneyScale)}
	}
	return nil
}
