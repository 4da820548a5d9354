package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Drift is a user whose materialized balance disagrees with the sum of
// their transactions.
type Drift struct {
	UserID   UserID
	Balance  decimal.Decimal
	Expected decimal.Decimal
}

type AuditReport struct {
	CheckedAt time.Time
	Users     int
	Drifts    []Drift
}

// Clean reports whether every balance matched its transactions.
func (r *AuditReport) Clean() bool {
	return len(r.Drifts) == 0
}

// Auditor recomputes balances from the transaction log. It only reads.
type Auditor struct {
	Store Reader
	Now   func() time.Time
}

func NewAuditor(store Reader) *Auditor {
	return &Auditor{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// Run checks every balance row against SUM(transactions).
//
// Reads are not one snapshot, so a settlement committing mid-check can make
// a user look off by one posting. A user is reported only when two
// consecutive reads show the same mismatch.
func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	balances, err := a.Store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	report := &AuditReport{CheckedAt: a.Now(), Users: len(balances)}
	for _, b := range balances {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		drift, err := a.check(ctx, b.UserID)
		if err != nil {
			return nil, err
		}
		if drift != nil {
			report.Drifts = append(report.Drifts, *drift)
		}
	}
	return report, nil
}

// auditAttempts bounds the re-reads for a user whose balance keeps moving.
const auditAttempts = 5

func (a *Auditor) check(ctx context.Context, userID UserID) (*Drift, error) {
	var last *Drift
	for i := 0; i < auditAttempts; i++ {
		txs, err := a.Store.ListTransactions(ctx, userID, 0)
		if err != nil {
			return nil, fmt.Errorf("list transactions for %s: %w", userID, err)
		}
		b, err := a.Store.GetBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get balance for %s: %w", userID, err)
		}
		balance := decimal.Zero
		if b != nil {
			balance = b.BalanceUSD
		}

		expected := Sum(txs)
		if expected.Equal(balance) {
			return nil, nil
		}
		d := &Drift{UserID: userID, Balance: balance, Expected: expected}
		if last != nil && last.Balance.Equal(d.Balance) && last.Expected.Equal(d.Expected) {
			return d, nil
		}
		last = d
	}
	return last, nil
}
