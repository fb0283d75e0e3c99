package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_PublishesToKindSubject(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("forgeloop.>", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, New(ctx, OperationCompleted, map[string]any{"operation_type": "code_generation"})))
	require.NoError(t, pub.Close())

	select {
	case msg := <-msgs:
		assert.Equal(t, "forgeloop.operation.completed", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, OperationCompleted, ev.Kind)
		assert.NotEmpty(t, ev.ID)
		payload, ok := ev.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "code_generation", payload["operation_type"])
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNATSPublisher_BorrowedConnectionStaysOpen(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub := NewNATSPublisher(nc, nil)
	require.NoError(t, pub.Close())
	assert.True(t, nc.IsConnected())
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, New(ctx, InsightCreated, nil)), context.Canceled)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", nil)
	assert.Error(t, err)
}

func TestEmit_LogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	rec := &Recorder{Err: errors.New("broker down")}

	Emit(context.Background(), rec, logger, ReflectionCompleted, nil)

	assert.Empty(t, rec.Events())
	require.Equal(t, 1, logs.FilterMessage("event publish failed").Len())

	assert.NotPanics(t, func() { Emit(context.Background(), nil, logger, ReflectionCompleted, nil) })
}

func TestRecorderAndNop(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	Emit(ctx, rec, nil, OperationStarted, nil)
	Emit(ctx, rec, nil, OperationCompleted, nil)
	assert.Equal(t, []Kind{OperationStarted, OperationCompleted}, rec.Kinds())

	assert.NoError(t, NopPublisher{}.Publish(ctx, New(ctx, InsightCreated, nil)))
	assert.Equal(t, "forgeloop.insight.created", Subject(InsightCreated))
}
