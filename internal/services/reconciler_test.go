package services

import (
	"context"
	"testing"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("balanced ledger", func(t *testing.T) {
		ledger, store, _ := newTestLedger(t)
		a := openAccount(t, ledger, "a", models.RoleUser, 700)
		b := openAccount(t, ledger, "b", models.RoleUser, 300)
		require.NoError(t, ledger.SettleTransfer(ctx, a.ID, b.ID, 250))

		logger, hook := test.NewNullLogger()
		report, err := NewReconciler(store, logger).Check(ctx)
		require.NoError(t, err)

		assert.True(t, report.Balanced)
		assert.Equal(t, int64(1000), report.Balances)
		assert.Equal(t, int64(1000), report.Credits)
		assert.Zero(t, report.NegativeAccounts)
		assert.False(t, report.CheckedAt.IsZero())
		assert.Empty(t, hook.AllEntries())
	})

	t.Run("drift is reported", func(t *testing.T) {
		_, store, _ := newTestLedger(t)
		// Seeded balances are not backed by credits.
		seedAccount(t, store, "ghost", 40)

		logger, hook := test.NewNullLogger()
		report, err := NewReconciler(store, logger).Check(ctx)
		require.NoError(t, err)

		assert.False(t, report.Balanced)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
		assert.Equal(t, int64(40), hook.LastEntry().Data["drift"])
	})
}

func TestReconciler_Schedule(t *testing.T) {
	_, store, _ := newTestLedger(t)
	logger, _ := test.NewNullLogger()
	reconciler := NewReconciler(store, logger)
	c := cron.New()

	id, err := reconciler.Schedule(c, "", 0)
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = reconciler.Schedule(c, "not a schedule", time.Second)
	assert.Error(t, err)
	assert.Len(t, c.Entries(), 1)
}
