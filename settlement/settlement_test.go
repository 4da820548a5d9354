package settlement_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earning-engine/ledger"
	"github.com/warp/earning-engine/settlement"
	"github.com/warp/earning-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const cpagripSecret = "cpa-secret"

type testEnv struct {
	store       *sqlite.Store
	coordinator *settlement.Coordinator
	tasks       *settlement.TaskGate
	referrals   *settlement.ReferralGate
	withdrawals *settlement.WithdrawalManager
	logs        *test.Hook
}

func newTestEnv(t *testing.T, overrides map[string]string) *testEnv {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	values := map[string]string{
		settlement.NetworkKey(settlement.NetworkCPAGrip, "enabled"): "true",
		settlement.NetworkKey(settlement.NetworkCPAGrip, "secret"):  cpagripSecret,
	}
	for k, v := range overrides {
		values[k] = v
	}
	settings, err := settlement.ParseSettings(values)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	c, err := settlement.NewCoordinator(store, settings, logger)
	require.NoError(t, err)

	return &testEnv{
		store:       store,
		coordinator: c,
		tasks:       settlement.NewTaskGate(c),
		referrals:   settlement.NewReferralGate(c),
		withdrawals: settlement.NewWithdrawalManager(c),
		logs:        hook,
	}
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (e *testEnv) fund(t *testing.T, user ledger.UserID, amount string) {
	t.Helper()
	_, err := e.coordinator.Credit(context.Background(), ledger.Posting{
		UserID: user, Amount: usd(amount), Kind: ledger.KindOffer, Description: "seed",
	})
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, user ledger.UserID) decimal.Decimal {
	t.Helper()
	b, err := e.store.GetBalance(context.Background(), user)
	require.NoError(t, err)
	if b == nil {
		return decimal.Zero
	}
	return b.BalanceUSD
}

// assertConserved checks the audit finds no drift anywhere.
func (e *testEnv) assertConserved(t *testing.T) {
	t.Helper()
	report, err := ledger.NewAuditor(e.store).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, usd(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// COORDINATOR LEDGER SURFACE
// =============================================================================

func TestNewCoordinator_InvalidSettings(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	settings := settlement.DefaultSettings()
	settings.MinWithdrawal = decimal.Zero

	_, err = settlement.NewCoordinator(store, settings, nil)
	assert.Error(t, err)
}

func TestBalance_FirstAccessCreatesZeroRow(t *testing.T) {
	env := newTestEnv(t, nil)

	b, err := env.coordinator.Balance(context.Background(), "new-user")

	require.NoError(t, err)
	assert.True(t, b.BalanceUSD.IsZero())
	stored, err := env.store.GetBalance(context.Background(), "new-user")
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestDebit_ThroughCoordinator_Insufficient(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(t, "u1", "1")

	_, err := env.coordinator.Debit(context.Background(), ledger.Posting{
		UserID: "u1", Amount: usd("2"), Kind: ledger.KindWithdrawal,
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assertDecimal(t, "1", env.balance(t, "u1"))
}

func TestSetPayoutEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	b, err := env.coordinator.SetPayoutEmail(ctx, "u1", " u1@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", b.PayoutEmail)

	_, err = env.coordinator.SetPayoutEmail(ctx, "u1", "Bob <bob@example.com>")
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payout_email", verr.Field)
}

func TestUpsertUserProfile_NegativeLinks(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.coordinator.UpsertUserProfile(context.Background(), ledger.UserProfile{UserID: "u1", LinksCreated: -1})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want settlement.Decision
	}{
		{"approve", settlement.DecisionApprove},
		{"Approved", settlement.DecisionApprove},
		{"valid", settlement.DecisionApprove},
		{"reject", settlement.DecisionReject},
		{"invalid", settlement.DecisionReject},
		{"paid", settlement.DecisionPaid},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := settlement.ParseDecision(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := settlement.ParseDecision("maybe")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
