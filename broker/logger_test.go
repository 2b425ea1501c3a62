package broker

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
)

func TestNewDefaultsToNoopLogger(t *testing.T) {
	b := newTestBroker(t)
	require.NotNil(t, b.log)
	b.log.Info("should not panic")
}

func TestNewAcceptsSlogLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	sessions := session.NewManager(session.ManagerConfig{Store: session.NewMemoryStore()})
	t.Cleanup(func() { sessions.Close() })

	b := New(Config{
		Router:      topic.NewRouter(),
		Retained:    topic.NewRetainedManager(nil),
		Broadcaster: topic.NewBroadcaster(8),
		Sessions:    sessions,
		Hooks:       hook.NewManager(),
		Logger:      logger.NewSlogLogger(slog.LevelInfo, buf),
	})
	sessions.SetWillPublisher(b)

	will := &session.WillMessage{Topic: "a/b", Payload: []byte("bye")}
	require.NoError(t, b.PublishWill(context.Background(), will, "client1"))

	assert.Contains(t, buf.String(), "publishing will")
	assert.Contains(t, buf.String(), "client1")
}
