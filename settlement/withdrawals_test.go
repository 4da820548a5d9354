package settlement_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earning-engine/ledger"
	"github.com/warp/earning-engine/settlement"
)

// fundedUser gives user a balance and a payout email.
func (e *testEnv) fundedUser(t *testing.T, user ledger.UserID, amount string) {
	t.Helper()
	e.fund(t, user, amount)
	_, err := e.coordinator.SetPayoutEmail(context.Background(), user, string(user)+"@example.com")
	require.NoError(t, err)
}

func (e *testEnv) request(t *testing.T, user ledger.UserID, amount string) *ledger.WithdrawalRequest {
	t.Helper()
	result, err := e.withdrawals.RequestWithdrawal(context.Background(), user, usd(amount), "usdt")
	require.NoError(t, err)
	return result.Withdrawal
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequestWithdrawal_ReservesBalance(t *testing.T) {
	// GIVEN: A user with 10.00 and a payout email
	// WHEN: Requesting 5.00 in USDT
	// THEN: The balance drops to 5.00 and a pending request exists
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")

	result, err := env.withdrawals.RequestWithdrawal(ctx, "u1", usd("5"), " usdt ")

	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeRequested, result.Outcome)
	assertDecimal(t, "5", result.Balance)
	assert.Equal(t, ledger.WithdrawalPending, result.Withdrawal.Status)
	assert.Equal(t, "USDT", result.Withdrawal.CoinType)
	assert.Equal(t, "u1@example.com", result.Withdrawal.PayoutEmail)

	b, err := env.store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assertDecimal(t, "5", b.BalanceUSD)
	assertDecimal(t, "5", b.TotalWithdrawn)

	txs, err := env.store.ListTransactions(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindWithdrawal, txs[0].Kind)
	assertDecimal(t, "-5", txs[0].Amount)
	assert.Equal(t, result.Withdrawal.ID, txs[0].SourceID)
}

func TestRequestWithdrawal_Refusals(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "3")
	env.fund(t, "no-email", "3")

	tests := []struct {
		name   string
		user   ledger.UserID
		amount string
		coin   string
		reason string
	}{
		{"missing user", "", "2", "BTC", "invalid_user_id"},
		{"zero amount", "u1", "0", "BTC", "invalid_amount"},
		{"below minimum", "u1", "0.99", "BTC", "invalid_amount_usd"},
		{"unsupported coin", "u1", "2", "XMR", "invalid_coin_type"},
		{"no payout email", "no-email", "2", "BTC", "invalid_payout_email"},
		{"more than balance", "u1", "3.01", "BTC", "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.withdrawals.RequestWithdrawal(ctx, tt.user, usd(tt.amount), tt.coin)
			assert.Equal(t, tt.reason, ledger.ReasonOf(err))
		})
	}

	assertDecimal(t, "3", env.balance(t, "u1"))
	assertDecimal(t, "3", env.balance(t, "no-email"))
	list, err := env.store.ListWithdrawals(ctx, ledger.WithdrawalFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequestWithdrawal_RefusalIsLogged(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundedUser(t, "u1", "1")

	_, err := env.withdrawals.RequestWithdrawal(context.Background(), "u1", usd("2"), "BTC")
	require.Error(t, err)

	entry := env.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "withdrawal request refused", entry.Message)
	assert.Equal(t, "insufficient_balance", entry.Data["reason"])
}

func TestRequestWithdrawal_SecondPending_ConflictAndNoDebit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundedUser(t, "u1", "10")
	env.request(t, "u1", "2")

	_, err := env.withdrawals.RequestWithdrawal(context.Background(), "u1", usd("2"), "BTC")

	assert.Equal(t, string(ledger.ReasonPendingWithdrawalExists), ledger.ReasonOf(err))
	assertDecimal(t, "8", env.balance(t, "u1"))
	env.assertConserved(t)
}

func TestRequestWithdrawal_PendingExistsReportedBeforeBalance(t *testing.T) {
	// GIVEN: A pending 8.00 request leaving 2.00
	env := newTestEnv(t, nil)
	env.fundedUser(t, "u1", "10")
	env.request(t, "u1", "8")

	// WHEN: A second request asks for more than what is left
	_, err := env.withdrawals.RequestWithdrawal(context.Background(), "u1", usd("5"), "BTC")

	// THEN: The pending request is the reason, and nothing moved
	assert.Equal(t, string(ledger.ReasonPendingWithdrawalExists), ledger.ReasonOf(err))
	assertDecimal(t, "2", env.balance(t, "u1"))
	env.assertConserved(t)
}

func TestRequestWithdrawal_InsufficientBalance_LeavesNoRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundedUser(t, "u1", "3")

	_, err := env.withdrawals.RequestWithdrawal(context.Background(), "u1", usd("5"), "BTC")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	list, err := env.withdrawals.ListForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
	env.request(t, "u1", "3")
}

func TestRequestWithdrawal_ConcurrentRequests_OneReserved(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.withdrawals.RequestWithdrawal(ctx, "u1", usd("3"), "BTC")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, ledger.IsConflict(err), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assertDecimal(t, "7", env.balance(t, "u1"))
}

// =============================================================================
// RESOLVE
// =============================================================================

func TestResolveWithdrawal_Reject_Refunds(t *testing.T) {
	// GIVEN: A pending 5.00 request from a 10.00 balance
	// WHEN: The admin rejects it
	// THEN: 5.00 is refunded and the user may request again
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")
	w := env.request(t, "u1", "5")

	result, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionReject, "", "address mismatch")

	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeRefunded, result.Outcome)
	assertDecimal(t, "10", result.Balance)
	assert.Equal(t, ledger.WithdrawalRejected, result.Withdrawal.Status)
	assert.Equal(t, "address mismatch", result.Withdrawal.AdminNotes)
	require.NotNil(t, result.Withdrawal.ProcessedAt)

	b, err := env.store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.TotalWithdrawn.IsZero())

	txs, err := env.store.ListTransactions(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindRefund, txs[0].Kind)
	assertDecimal(t, "5", txs[0].Amount)

	env.request(t, "u1", "1")
	env.assertConserved(t)
}

func TestResolveWithdrawal_ApproveThenPay(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")
	w := env.request(t, "u1", "4")

	approved, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionApprove, "", "")
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomeApproved, approved.Outcome)

	paid, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionPaid, "0xfeed", "")
	require.NoError(t, err)
	assert.Equal(t, settlement.OutcomePaid, paid.Outcome)
	assert.Equal(t, "0xfeed", paid.Withdrawal.TxHash)

	assertDecimal(t, "6", env.balance(t, "u1"))
}

func TestResolveWithdrawal_PaidIsImmutable(t *testing.T) {
	// GIVEN: A paid withdrawal
	// WHEN: Any further decision is applied
	// THEN: already_paid, and the balance is untouched
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")
	w := env.request(t, "u1", "5")
	_, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionPaid, "0xabc", "")
	require.NoError(t, err)

	for _, d := range []settlement.Decision{settlement.DecisionReject, settlement.DecisionApprove, settlement.DecisionPaid} {
		result, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, d, "0xother", "")
		assert.Equal(t, string(ledger.ReasonAlreadyPaid), ledger.ReasonOf(err), d)
		assert.Equal(t, "0xabc", result.Withdrawal.TxHash)
	}

	assertDecimal(t, "5", env.balance(t, "u1"))
	env.assertConserved(t)
}

func TestResolveWithdrawal_ApprovedCannotBeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")
	w := env.request(t, "u1", "5")
	_, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionApprove, "", "")
	require.NoError(t, err)

	_, err = env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionReject, "", "")

	assert.Equal(t, string(ledger.ReasonAlreadyProcessed), ledger.ReasonOf(err))
	assertDecimal(t, "5", env.balance(t, "u1"))
}

func TestResolveWithdrawal_ConcurrentRejects_RefundOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")
	w := env.request(t, "u1", "5")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionReject, "", "")
			if err != nil {
				assert.True(t, ledger.IsConflict(err))
			}
		}()
	}
	wg.Wait()

	assertDecimal(t, "10", env.balance(t, "u1"))
	env.assertConserved(t)
}

func TestResolveWithdrawal_UnknownOrInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.withdrawals.ResolveWithdrawal(ctx, "missing", settlement.DecisionPaid, "", "")
	assert.True(t, ledger.IsNotFound(err))

	_, err = env.withdrawals.ResolveWithdrawal(ctx, "missing", settlement.Decision("hold"), "", "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestListForUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.fundedUser(t, "u1", "10")
	env.fundedUser(t, "u2", "10")
	w := env.request(t, "u1", "2")
	_, err := env.withdrawals.ResolveWithdrawal(ctx, w.ID, settlement.DecisionPaid, "", "")
	require.NoError(t, err)
	env.request(t, "u1", "3")
	env.request(t, "u2", "1")

	list, err := env.withdrawals.ListForUser(ctx, "u1")

	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, item := range list {
		assert.Equal(t, ledger.UserID("u1"), item.UserID)
	}
}
