package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/banquesolidaire/ledger/internal/config"
	mW "github.com/banquesolidaire/ledger/internal/middleware"
	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/banquesolidaire/ledger/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// runCommand executes an operator command instead of starting the server.
//
//	server token --actor 3 --ttl 12h
//	server open-account --handle admin@example.org --role approver
func runCommand(cfg *config.Config, log *logrus.Logger, name string, args []string) error {
	switch name {
	case "token":
		return issueToken(cfg, args)
	case "open-account":
		return openAccount(cfg, log, args)
	case "reconcile":
		return reconcile(cfg, log)
	default:
		return fmt.Errorf("unknown command %q (want token, open-account or reconcile)", name)
	}
}

func issueToken(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	actor := fs.Int64("actor", 0, "account id the token authenticates")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *actor <= 0 {
		return errors.New("--actor must be a positive account id")
	}

	token, err := mW.NewAuth(cfg.JWTSecret).IssueToken(*actor, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}

func openAccount(cfg *config.Config, log *logrus.Logger, args []string) error {
	fs := pflag.NewFlagSet("open-account", pflag.ContinueOnError)
	handle := fs.String("handle", "", "unique account handle, usually an email address")
	name := fs.String("name", "", "display name")
	role := fs.String("role", models.RoleUser, "user or approver")
	balance := fs.Int64("balance", 0, "opening balance in minor units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		return fmt.Errorf("open-account needs a persistent store, STORE_DRIVER is %q (set BOOTSTRAP_APPROVER instead)", cfg.StoreDriver)
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger := services.NewLedgerService(store, nil, log, cfg.Ledger.MaxAmount)
	account, err := ledger.OpenAccount(ctx, services.OpenAccountRequest{
		Handle:         *handle,
		Name:           *name,
		Role:           *role,
		InitialBalance: *balance,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "account %d opened for %s (%s)\n", account.ID, account.Handle, account.Role)
	return nil
}

func reconcile(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := services.NewReconciler(store, log).Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "balances=%d credits=%d negative_accounts=%d balanced=%t\n",
		report.Balances, report.Credits, report.NegativeAccounts, report.Balanced)
	if !report.Balanced {
		return errors.New("ledger is out of balance")
	}
	return nil
}
