package notifier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountMap map[int64]*models.Account

func (m accountMap) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	if a, ok := m[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: id %d", models.ErrAccountNotFound, id)
}

func newTestNotifier(host string) (*EmailNotifier, *[]*email.Email) {
	logger, _ := test.NewNullLogger()
	accounts := accountMap{
		1: {ID: 1, Handle: "alice@example.org", Name: "Alice"},
		2: {ID: 2, Handle: "bob@example.org", Name: "Bob"},
		3: {ID: 3, Handle: "carol"},
	}
	n := NewEmailNotifier(SMTPConfig{Host: host, Port: "465", SenderEmail: "bank@example.org"}, accounts, logger)

	sent := &[]*email.Email{}
	n.send = func(e *email.Email) error {
		*sent = append(*sent, e)
		return nil
	}
	return n, sent
}

func TestEmailNotifier_Deliver(t *testing.T) {
	ctx := context.Background()

	t.Run("settled transfer notifies receiver", func(t *testing.T) {
		n, sent := newTestNotifier("smtp.example.org")

		err := n.Deliver(ctx, models.Event{
			Type:       models.EventTransferSettled,
			SenderID:   1,
			ReceiverID: 2,
			Amount:     30050,
		})

		require.NoError(t, err)
		require.Len(t, *sent, 1)
		msg := (*sent)[0]
		assert.Equal(t, []string{"bob@example.org"}, msg.To)
		assert.Equal(t, "bank@example.org", msg.From)
		assert.Equal(t, "Transfer received", msg.Subject)
		assert.Contains(t, string(msg.Text), "300.50 €")
		assert.Contains(t, string(msg.Text), "from Alice")
	})

	t.Run("rejected transfer notifies sender with reason", func(t *testing.T) {
		n, sent := newTestNotifier("smtp.example.org")

		err := n.Deliver(ctx, models.Event{
			Type:       models.EventTransferRejected,
			SenderID:   1,
			ReceiverID: 2,
			Amount:     100,
			Reason:     "insufficient funds",
		})

		require.NoError(t, err)
		require.Len(t, *sent, 1)
		assert.Equal(t, []string{"alice@example.org"}, (*sent)[0].To)
		assert.Contains(t, string((*sent)[0].Text), "Reason: insufficient funds")
	})

	t.Run("credit notifies account holder", func(t *testing.T) {
		n, sent := newTestNotifier("smtp.example.org")

		err := n.Deliver(ctx, models.Event{Type: models.EventAccountCredited, AccountID: 2, Amount: 500})

		require.NoError(t, err)
		require.Len(t, *sent, 1)
		assert.Equal(t, "Your account has been credited", (*sent)[0].Subject)
	})

	t.Run("handle without address is skipped", func(t *testing.T) {
		n, sent := newTestNotifier("smtp.example.org")

		err := n.Deliver(ctx, models.Event{Type: models.EventAccountCredited, AccountID: 3, Amount: 500})

		require.NoError(t, err)
		assert.Empty(t, *sent)
	})

	t.Run("no smtp host only logs", func(t *testing.T) {
		n, sent := newTestNotifier("")

		err := n.Deliver(ctx, models.Event{Type: models.EventTransferPending, SenderID: 1, ReceiverID: 2, Amount: 100})

		require.NoError(t, err)
		assert.Empty(t, *sent)
	})

	t.Run("unknown recipient is an error", func(t *testing.T) {
		n, _ := newTestNotifier("smtp.example.org")

		err := n.Deliver(ctx, models.Event{Type: models.EventAccountCredited, AccountID: 99, Amount: 1})

		assert.ErrorIs(t, err, models.ErrAccountNotFound)
	})

	t.Run("send failure is reported", func(t *testing.T) {
		n, _ := newTestNotifier("smtp.example.org")
		n.send = func(*email.Email) error { return errors.New("connection refused") }

		err := n.Deliver(ctx, models.Event{Type: models.EventAccountCredited, AccountID: 1, Amount: 1})

		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.05 €", FormatAmount(5))
	assert.Equal(t, "300.00 €", FormatAmount(30000))
	assert.Equal(t, "-1.20 €", FormatAmount(-120))
}
