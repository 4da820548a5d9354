/*
withdrawals.go - Withdrawal Lifecycle Manager

PURPOSE:
  Reserves balance when a user asks to withdraw, then pays or refunds it
  when an admin resolves the request.

STATE MACHINE:
  pending ──approve──▶ approved ──paid──▶ paid
     │                                     ▲
     ├──paid───────────────────────────────┘
     │
     └──reject──▶ rejected   (+ refund credited)

  paid is terminal and immutable. rejected is terminal. Repeating a
  decision, or rejecting anything but a pending request, is a conflict
  and moves no money.

REQUEST CHECKS (in order):
  amount >= minWithdrawal, coin supported, payout email on file,
  balance >= amount, no other pending withdrawal for the user.
*/
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

// WithdrawalManager runs withdrawal requests through the Coordinator.
type WithdrawalManager struct {
	c *Coordinator
}

func NewWithdrawalManager(c *Coordinator) *WithdrawalManager {
	return &WithdrawalManager{c: c}
}

// WithdrawalResult is the result of a request or resolution.
type WithdrawalResult struct {
	Outcome    Outcome
	Withdrawal *ledger.WithdrawalRequest
	Balance    decimal.Decimal
}

func withdrawalKey(id string) string { return "withdrawal:" + id }

// RequestWithdrawal debits amount and records a pending withdrawal in one unit.
func (m *WithdrawalManager) RequestWithdrawal(ctx context.Context, userID ledger.UserID, amount decimal.Decimal, coin string) (*WithdrawalResult, error) {
	settings := m.c.settings
	coin = strings.ToUpper(strings.TrimSpace(coin))

	switch {
	case userID == "":
		return nil, &ledger.ValidationError{Field: "user_id", Reason: "is required"}
	case !amount.IsPositive():
		return nil, ledger.ErrInvalidAmount
	case amount.LessThan(settings.MinWithdrawal):
		return nil, &ledger.ValidationError{
			Field:  "amount_usd",
			Reason: fmt.Sprintf("minimum withdrawal is %s", settings.MinWithdrawal.StringFixed(2)),
		}
	case !settings.SupportsCoin(coin):
		return nil, &ledger.ValidationError{
			Field:  "coin_type",
			Reason: fmt.Sprintf("%q is not supported (%s)", coin, strings.Join(settings.SupportedCoins, ", ")),
		}
	}

	result := &WithdrawalResult{Outcome: OutcomeRequested}
	err := m.c.settle(ctx, userKey(userID), func(tx ledger.Tx) error {
		b, err := m.c.ledger.GetOrCreateBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if b.PayoutEmail == "" {
			return &ledger.ValidationError{Field: "payout_email", Reason: "set a payout email before withdrawing"}
		}

		now := m.c.now()
		w := &ledger.WithdrawalRequest{
			ID:          m.c.newID(),
			UserID:      userID,
			AmountUSD:   amount,
			CoinType:    coin,
			Status:      ledger.WithdrawalPending,
			PayoutEmail: b.PayoutEmail,
			CreatedAt:   now,
		}

		// Insert first so an existing pending request is reported ahead of
		// the balance check. A failed debit rolls the row back.
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		balance, err := m.c.ledger.Debit(ctx, tx, ledger.Posting{
			UserID:      userID,
			Amount:      amount,
			Kind:        ledger.KindWithdrawal,
			Description: fmt.Sprintf("Withdrawal %s via FaucetPay (%s)", w.ID, coin),
			SourceID:    w.ID,
		})
		if err != nil {
			return err
		}

		result.Withdrawal = w
		result.Balance = balance
		return nil
	})
	if err != nil {
		m.c.log.WithFields(logrus.Fields{
			"user_id": userID,
			"amount":  amount.String(),
			"reason":  ledger.ReasonOf(err),
		}).Info("withdrawal request refused")
		return nil, err
	}

	m.logResult(result, result.Withdrawal.ID, nil)
	return result, nil
}

// ResolveWithdrawal applies an admin decision. txHash is recorded when
// given, typically with DecisionPaid.
func (m *WithdrawalManager) ResolveWithdrawal(ctx context.Context, id string, d Decision, txHash, notes string) (*WithdrawalResult, error) {
	var to ledger.WithdrawalStatus
	switch d {
	case DecisionApprove:
		to = ledger.WithdrawalApproved
	case DecisionReject:
		to = ledger.WithdrawalRejected
	case DecisionPaid:
		to = ledger.WithdrawalPaid
	default:
		return nil, &ledger.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown decision %q", d)}
	}

	var (
		result  WithdrawalResult
		outcome error
	)
	err := m.c.settle(ctx, withdrawalKey(id), func(tx ledger.Tx) error {
		w, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return &ledger.NotFoundError{Resource: "withdrawal", ID: id}
		}
		result.Withdrawal = w

		if conflict := checkTransition(w, to); conflict != nil {
			outcome = conflict
			return nil
		}

		// Balance row before the status update, the same order RequestWithdrawal uses.
		if _, err := m.c.ledger.GetOrCreateBalance(ctx, tx, w.UserID); err != nil {
			return err
		}

		at := m.c.now()
		ok, err := tx.TransitionWithdrawal(ctx, w.ID, w.Status, to, ledger.WithdrawalTransition{
			TxHash: txHash,
			Notes:  notes,
			At:     at,
		})
		if err != nil {
			return err
		}
		if !ok {
			return alreadyProcessed("withdrawal", w.ID, string(w.Status))
		}
		applyWithdrawalTransition(w, to, txHash, notes, at)

		switch to {
		case ledger.WithdrawalRejected:
			balance, err := m.c.ledger.Credit(ctx, tx, ledger.Posting{
				UserID:      w.UserID,
				Amount:      w.AmountUSD,
				Kind:        ledger.KindRefund,
				Description: fmt.Sprintf("Refund for rejected withdrawal %s", w.ID),
				SourceID:    w.ID,
			})
			if err != nil {
				return err
			}
			result.Outcome = OutcomeRefunded
			result.Balance = balance
		case ledger.WithdrawalApproved:
			result.Outcome = OutcomeApproved
		case ledger.WithdrawalPaid:
			result.Outcome = OutcomePaid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logResult(&result, id, outcome)
	return &result, outcome
}

// checkTransition returns the conflict for a move the state machine forbids.
func checkTransition(w *ledger.WithdrawalRequest, to ledger.WithdrawalStatus) *ledger.ConflictError {
	if w.Status == ledger.WithdrawalPaid {
		return &ledger.ConflictError{
			Reason:   ledger.ReasonAlreadyPaid,
			Resource: "withdrawal",
			ID:       w.ID,
			Status:   string(w.Status),
		}
	}

	allowed := false
	switch w.Status {
	case ledger.WithdrawalPending:
		allowed = true
	case ledger.WithdrawalApproved:
		allowed = to == ledger.WithdrawalPaid
	}
	if !allowed {
		return alreadyProcessed("withdrawal", w.ID, string(w.Status))
	}
	return nil
}

func applyWithdrawalTransition(w *ledger.WithdrawalRequest, to ledger.WithdrawalStatus, txHash, notes string, at time.Time) {
	w.Status = to
	if txHash != "" {
		w.TxHash = txHash
	}
	if notes != "" {
		w.AdminNotes = notes
	}
	w.ProcessedAt = &at
}

func (m *WithdrawalManager) logResult(result *WithdrawalResult, id string, outcome error) {
	fields := logrus.Fields{"withdrawal_id": id, "outcome": result.Outcome}
	if w := result.Withdrawal; w != nil {
		fields["user_id"] = w.UserID
		fields["amount"] = w.AmountUSD.String()
		fields["status"] = w.Status
	}
	if outcome != nil {
		fields["conflict"] = ledger.ReasonOf(outcome)
	}
	m.c.log.WithFields(fields).Info("withdrawal updated")
}

// ListForUser returns a user's withdrawals, newest first.
func (m *WithdrawalManager) ListForUser(ctx context.Context, userID ledger.UserID) ([]ledger.WithdrawalRequest, error) {
	return m.c.store.ListWithdrawals(ctx, ledger.WithdrawalFilter{UserID: userID})
}
