package services

import (
	"context"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const DefaultReconcileSchedule = "@every 5m"

// Report is the outcome of one reconciliation run.
type Report struct {
	models.Totals
	Balanced  bool      `json:"balanced"`
	CheckedAt time.Time `json:"checked_at"`
}

// Reconciler verifies that balances add up to the credits ever issued and
// that no account is overdrawn.
type Reconciler struct {
	store Store
	log   logrus.FieldLogger
}

func NewReconciler(store Store, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{store: store, log: log}
}

func (r *Reconciler) Check(ctx context.Context) (*Report, error) {
	totals, err := r.store.Totals(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Totals:    totals,
		Balanced:  totals.Balanced(),
		CheckedAt: time.Now().UTC(),
	}

	entry := r.log.WithFields(logrus.Fields{
		"balances":          totals.Balances,
		"credits":           totals.Credits,
		"negative_accounts": totals.NegativeAccounts,
	})
	if !report.Balanced {
		entry.WithField("drift", totals.Balances-totals.Credits).Error("Ledger reconciliation mismatch")
	} else {
		entry.Debug("Ledger reconciled")
	}
	return report, nil
}

// Schedule registers Check on c using a cron spec such as "@every 5m".
func (r *Reconciler) Schedule(c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultReconcileSchedule
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := r.Check(ctx); err != nil {
			r.log.WithError(err).Error("Scheduled reconciliation failed")
		}
	})
}
