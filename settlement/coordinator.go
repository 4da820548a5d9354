/*
Package settlement arbitrates every reward source against the ledger.

PURPOSE:
  The Coordinator is the only code path that moves money. Each operation
  is one settlement unit: a dedup or eligibility check, a state change and
  a ledger write that commit together or not at all.

COMPONENTS:
  Coordinator        Credit/Debit, offerwall postback settlement (offerwall.go)
  TaskGate           Capacity-limited approval of task submissions (tasks.go)
  ReferralGate       Two-sided referral rewards (referrals.go)
  WithdrawalManager  Reserve on request, pay or refund on review (withdrawals.go)

SETTLEMENT UNIT:
  ┌──────────────┐   ┌───────────────┐   ┌──────────────────────────────┐
  │ keyed lock   │──▶│ store.WithTx  │──▶│ check-and-mutate + ledger    │
  │ (task:<id>)  │   │ (row locks)   │   │ write, commit or roll back   │
  └──────────────┘   └───────────────┘   └──────────────────────────────┘

  The keyed lock serializes same-key work inside this process. Row locks
  inside the transaction do the same across processes. No lock is held
  while talking to anything but the database.

OUTCOMES:
  Benign repeats come back as *ledger.ConflictError (already processed,
  capacity exceeded, ...) so callers can acknowledge them without
  treating them as failures.

SEE ALSO:
  - ledger/ledger.go: Credit/Debit primitives
  - ledger/store.go:  Atomic store primitives
*/
package settlement

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

// Outcome names what a settlement operation did.
type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeAlreadyCredited Outcome = "already_credited"
	OutcomeApproved        Outcome = "approved"
	OutcomeRejected        Outcome = "rejected"
	OutcomeRewarded        Outcome = "rewarded"
	OutcomeInvalidated     Outcome = "invalidated"
	OutcomeRequested       Outcome = "requested"
	OutcomePaid            Outcome = "paid"
	OutcomeRefunded        Outcome = "refunded"
)

// Decision is an admin review verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionPaid    Decision = "paid"
)

// ParseDecision accepts the verbs and past-tense statuses admin tools send.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "accept", "accepted", "valid", "validated":
		return DecisionApprove, nil
	case "reject", "rejected", "invalid":
		return DecisionReject, nil
	case "paid", "pay":
		return DecisionPaid, nil
	}
	return "", &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown decision %q", s)}
}

// Coordinator owns the ledger and the locks every settlement runs under.
type Coordinator struct {
	store    ledger.Store
	ledger   *ledger.Ledger
	locks    *ledger.KeyedMutex
	settings Settings
	log      logrus.FieldLogger

	now   func() time.Time
	newID func() string
}

// NewCoordinator validates settings and wires the ledger to store.
func NewCoordinator(store ledger.Store, settings Settings, log logrus.FieldLogger) (*Coordinator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := ledger.New()
	return &Coordinator{
		store:    store,
		ledger:   l,
		locks:    ledger.NewKeyedMutex(),
		settings: settings,
		log:      log,
		now:      l.Now,
		newID:    l.NewID,
	}, nil
}

// Settings returns the configuration the coordinator was built with.
func (c *Coordinator) Settings() Settings {
	return c.settings
}

// settle runs fn as one settlement unit under the keyed lock for key.
func (c *Coordinator) settle(ctx context.Context, key string, fn func(tx ledger.Tx) error) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	return c.store.WithTx(ctx, fn)
}

func userKey(id ledger.UserID) string { return "user:" + string(id) }

// =============================================================================
// LEDGER SURFACE
// =============================================================================

// Credit adds p.Amount to the user's balance as its own settlement unit.
func (c *Coordinator) Credit(ctx context.Context, p ledger.Posting) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := c.settle(ctx, userKey(p.UserID), func(tx ledger.Tx) error {
		var err error
		balance, err = c.ledger.Credit(ctx, tx, p)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	c.log.WithFields(logrus.Fields{
		"user_id": p.UserID,
		"kind":    p.Kind,
		"amount":  p.Amount.String(),
	}).Info("credited")
	return balance, nil
}

// Debit removes p.Amount from the user's balance as its own settlement unit.
func (c *Coordinator) Debit(ctx context.Context, p ledger.Posting) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := c.settle(ctx, userKey(p.UserID), func(tx ledger.Tx) error {
		var err error
		balance, err = c.ledger.Debit(ctx, tx, p)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	c.log.WithFields(logrus.Fields{
		"user_id": p.UserID,
		"kind":    p.Kind,
		"amount":  p.Amount.String(),
	}).Info("debited")
	return balance, nil
}

// Balance returns the user's balance, creating the zero row on first access.
func (c *Coordinator) Balance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	if userID == "" {
		return nil, &ledger.ValidationError{Field: "user_id", Reason: "is required"}
	}
	b, err := c.store.GetBalance(ctx, userID)
	if err != nil || b != nil {
		return b, err
	}

	err = c.settle(ctx, userKey(userID), func(tx ledger.Tx) error {
		var err error
		b, err = c.ledger.GetOrCreateBalance(ctx, tx, userID)
		return err
	})
	return b, err
}

// Transactions returns the user's ledger entries, newest first.
func (c *Coordinator) Transactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	return c.store.ListTransactions(ctx, userID, limit)
}

// SetPayoutEmail records the FaucetPay address withdrawals are paid to.
func (c *Coordinator) SetPayoutEmail(ctx context.Context, userID ledger.UserID, email string) (*ledger.Balance, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, &ledger.ValidationError{Field: "payout_email", Reason: "is not a valid email address"}
	}

	var b *ledger.Balance
	err = c.settle(ctx, userKey(userID), func(tx ledger.Tx) error {
		if _, err := c.ledger.GetOrCreateBalance(ctx, tx, userID); err != nil {
			return err
		}
		if err := tx.SetPayoutEmail(ctx, userID, email); err != nil {
			return err
		}
		var err error
		b, err = tx.LockBalance(ctx, userID)
		return err
	})
	return b, err
}

// UpsertUserProfile stores eligibility facts reported by the services that
// own them (social review, link shortener).
func (c *Coordinator) UpsertUserProfile(ctx context.Context, p ledger.UserProfile) (*ledger.UserProfile, error) {
	if p.UserID == "" {
		return nil, &ledger.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if p.LinksCreated < 0 {
		return nil, &ledger.ValidationError{Field: "links_created", Reason: "must not be negative"}
	}
	p.UpdatedAt = c.now()

	err := c.settle(ctx, userKey(p.UserID), func(tx ledger.Tx) error {
		return tx.UpsertUserProfile(ctx, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// lockBalances creates and locks balance rows in a fixed order so two units
// crediting the same pair of users cannot deadlock on row locks.
func (c *Coordinator) lockBalances(ctx context.Context, tx ledger.Tx, users ...ledger.UserID) error {
	sorted := append([]ledger.UserID(nil), users...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, u := range sorted {
		if _, err := c.ledger.GetOrCreateBalance(ctx, tx, u); err != nil {
			return err
		}
	}
	return nil
}
