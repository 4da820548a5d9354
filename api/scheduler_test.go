package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/earning-engine/api"
	"github.com/warp/earning-engine/ledger"
)

func TestAuditScheduler_Disabled(t *testing.T) {
	s := newTestServer(t)

	as, err := api.NewAuditScheduler(s.handler.Auditor, 0, nil)
	require.NoError(t, err)

	as.Start()
	assert.NoError(t, as.Stop())
	assert.Nil(t, as.LastReport())
}

func TestAuditScheduler_RunOnce_LogsDrift(t *testing.T) {
	// GIVEN: A balance row edited behind the ledger's back
	s := newTestServer(t)
	s.fund("u1", "1")
	ctx := context.Background()
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.LockBalance(ctx, "u1")
		if err != nil {
			return err
		}
		b.BalanceUSD = decimal.NewFromInt(7)
		return tx.SaveBalance(ctx, b)
	})
	require.NoError(t, err)

	log, hook := test.NewNullLogger()
	as, err := api.NewAuditScheduler(s.handler.Auditor, time.Hour, log)
	require.NoError(t, err)

	// WHEN: One audit runs
	as.RunOnce(ctx)

	// THEN: The drift is logged at error level and kept as the last report
	report := as.LastReport()
	require.NotNil(t, report)
	assert.False(t, report.Clean())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "balance drift", entry.Message)
	assert.Equal(t, ledger.UserID("u1"), entry.Data["user_id"])
	assert.Equal(t, "ledger-audit", entry.Data["component"])

	require.NoError(t, as.Stop())
}

func TestAuditScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	as, err := api.NewAuditScheduler(s.handler.Auditor, time.Hour, nil)
	require.NoError(t, err)

	as.Start()
	assert.NoError(t, as.Stop())
}
