package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error
	pnc  bool

	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, event models.Event) error {
	if s.pnc {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) Received() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func TestEventDispatcher_Delivery(t *testing.T) {
	logger, hook := test.NewNullLogger()
	failing := &recordingSink{name: "failing", err: errors.New("mailbox full")}
	panicking := &recordingSink{name: "panicking", pnc: true}
	good := &recordingSink{name: "good"}

	dispatcher := NewEventDispatcher(8, logger, failing, panicking, good)

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(context.Background()) }()

	dispatcher.Publish(models.Event{Type: models.EventTransferPending, TransferID: 1})
	dispatcher.Publish(models.Event{Type: models.EventTransferSettled, TransferID: 1})

	require.Eventually(t, func() bool { return len(good.Received()) == 2 }, time.Second, 5*time.Millisecond)

	dispatcher.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	received := good.Received()
	assert.Equal(t, models.EventTransferPending, received[0].Type)
	assert.Equal(t, models.EventTransferSettled, received[1].Type)
	assert.NotEmpty(t, received[0].ID)
	assert.False(t, received[0].Timestamp.IsZero())
	assert.Len(t, failing.Received(), 2)

	var failures, panics int
	for _, entry := range hook.AllEntries() {
		switch {
		case entry.Level == logrus.ErrorLevel && entry.Message == "Event delivery failed":
			failures++
		case entry.Level == logrus.ErrorLevel && entry.Data["sink"] == "panicking":
			panics++
		}
	}
	assert.Equal(t, 2, failures)
	assert.Equal(t, 2, panics)
}

func TestEventDispatcher_FullBufferDropsEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &recordingSink{name: "sink"}
	dispatcher := NewEventDispatcher(1, logger, sink)

	dispatcher.Publish(models.Event{Type: models.EventAccountCredited, AccountID: 1})
	dispatcher.Publish(models.Event{Type: models.EventAccountCredited, AccountID: 2})

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Event buffer full, dropping event", hook.LastEntry().Message)

	// Run drains the buffered event after Close.
	dispatcher.Close()
	require.NoError(t, dispatcher.Run(context.Background()))

	received := sink.Received()
	require.Len(t, received, 1)
	assert.Equal(t, int64(1), received[0].AccountID)
}

func TestEventDispatcher_PublishAfterClose(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &recordingSink{name: "sink"}
	dispatcher := NewEventDispatcher(4, logger, sink)

	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Publish(models.Event{Type: models.EventAccountCredited, AccountID: 1})

	assert.Equal(t, "Event dispatcher closed, dropping event", hook.LastEntry().Message)
	require.NoError(t, dispatcher.Run(context.Background()))
	assert.Empty(t, sink.Received())
}

func TestEventDispatcher_StopsOnContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dispatcher := NewEventDispatcher(0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, dispatcher.Run(ctx))
}
