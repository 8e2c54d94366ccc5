package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// SMTPConfig holds the outbound mail settings. An empty Host disables
// sending; messages are then only logged.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	SenderEmail string
}

// AccountLookup resolves the recipient of a notification.
type AccountLookup interface {
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
}

// EmailNotifier tells account holders about settled, rejected and pending
// transfers and about credits. Delivery is best effort.
type EmailNotifier struct {
	cfg      SMTPConfig
	accounts AccountLookup
	logger   logrus.FieldLogger
	send     func(e *email.Email) error
}

func NewEmailNotifier(cfg SMTPConfig, accounts AccountLookup, logger logrus.FieldLogger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:      cfg,
		accounts: accounts,
		logger:   logger,
	}
	n.send = n.sendSMTP
	return n
}

func (n *EmailNotifier) Name() string {
	return "email"
}

// Deliver implements the event sink contract.
func (n *EmailNotifier) Deliver(ctx context.Context, event models.Event) error {
	recipientID, subject, build := n.compose(event)
	if build == nil {
		return nil
	}

	recipient, err := n.accounts.GetAccount(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("failed to look up recipient %d: %w", recipientID, err)
	}
	if !strings.Contains(recipient.Handle, "@") {
		n.logger.WithField("account_id", recipient.ID).Debug("Account handle is not an email address, skipping notification")
		return nil
	}

	var counterpart *models.Account
	if other := counterpartID(event, recipientID); other != 0 {
		counterpart, _ = n.accounts.GetAccount(ctx, other)
	}

	e := email.NewEmail()
	e.From = n.cfg.SenderEmail
	e.To = []string{recipient.Handle}
	e.Subject = subject
	e.Text = []byte(build(displayName(recipient), displayName(counterpart)))

	if n.cfg.Host == "" {
		n.logger.WithFields(logrus.Fields{
			"to":      recipient.Handle,
			"subject": subject,
		}).Info("SMTP not configured, email not sent")
		return nil
	}

	if err := n.send(e); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Infof("Email sent to %s: %s", recipient.Handle, subject)
	return nil
}

func (n *EmailNotifier) sendSMTP(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", n.cfg.Host, n.cfg.Port)
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	return e.Send(addr, auth)
}

// compose picks the recipient and text for an event. A nil builder means
// the event type is not mailed.
func (n *EmailNotifier) compose(event models.Event) (int64, string, func(name, other string) string) {
	amount := FormatAmount(event.Amount)
	switch event.Type {
	case models.EventTransferPending:
		return event.ReceiverID, "A transfer to you is awaiting approval", func(name, other string) string {
			return fmt.Sprintf("Dear %s,\n\n"+
				"A transfer of %s has been initiated in your favour by %s.\n"+
				"The payment is awaiting administrative approval.\n"+
				"\nBest regards,\nBanque Solidaire", name, amount, other)
		}
	case models.EventTransferSettled:
		return event.ReceiverID, "Transfer received", func(name, other string) string {
			return fmt.Sprintf("Dear %s,\n\n"+
				"Your account has been credited with %s from %s.\n"+
				"\nBest regards,\nBanque Solidaire", name, amount, other)
		}
	case models.EventTransferRejected:
		return event.SenderID, "Transfer rejected", func(name, other string) string {
			body := fmt.Sprintf("Dear %s,\n\n"+
				"Your transfer of %s to %s was rejected.\n", name, amount, other)
			if event.Reason != "" {
				body += fmt.Sprintf("Reason: %s\n", event.Reason)
			}
			return body + "\nBest regards,\nBanque Solidaire"
		}
	case models.EventAccountCredited:
		return event.AccountID, "Your account has been credited", func(name, _ string) string {
			return fmt.Sprintf("Dear %s,\n\n"+
				"Your account has been credited with %s by an administrator.\n"+
				"\nBest regards,\nBanque Solidaire", name, amount)
		}
	default:
		return 0, "", nil
	}
}

func counterpartID(event models.Event, recipientID int64) int64 {
	switch {
	case event.Type == models.EventAccountCredited:
		return 0
	case recipientID == event.ReceiverID:
		return event.SenderID
	default:
		return event.ReceiverID
	}
}

func displayName(account *models.Account) string {
	switch {
	case account == nil:
		return "another account holder"
	case account.Name != "":
		return account.Name
	default:
		return account.Handle
	}
}

// FormatAmount renders minor units as a decimal euro amount, e.g. 30050 as
// "300.50 €".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d €", sign, minor/100, minor%100)
}
