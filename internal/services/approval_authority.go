package services

import (
	"context"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// ApprovalAuthority decides which actors may resolve pending transfers and
// issue administrative credits.
type ApprovalAuthority interface {
	CanApprove(ctx context.Context, actorID int64) bool
}

// RoleAuthority grants approval rights to enabled accounts holding the
// approver role.
type RoleAuthority struct {
	store Store
	log   logrus.FieldLogger
}

func NewRoleAuthority(store Store, log logrus.FieldLogger) *RoleAuthority {
	return &RoleAuthority{store: store, log: log}
}

func (a *RoleAuthority) CanApprove(ctx context.Context, actorID int64) bool {
	if actorID == models.SystemActorID {
		return false
	}
	account, err := a.store.GetAccount(ctx, actorID)
	if err != nil {
		a.log.WithError(err).WithField("actor_id", actorID).Debug("Approver lookup failed")
		return false
	}
	return account.IsApprover()
}
