package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/runstate"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
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

func TestSubject(t *testing.T) {
	s := Subject("run-42", runstate.EventGateOpened)
	assert.Equal(t, "runs.run-42.gate.opened", s)
}

func TestSubject_SanitizesRunID(t *testing.T) {
	s := Subject("Run.42", runstate.EventRunStarted)
	assert.Equal(t, "runs.run_42.run.started", s)
}

func TestRunWildcard(t *testing.T) {
	assert.Equal(t, "runs.run-42.>", RunWildcard("run-42"))
}

func TestPublisher_NilConnectionIsNoop(t *testing.T) {
	p := NewPublisher(nil, zap.NewNop())
	assert.False(t, p.Enabled())
	// Must not panic.
	p.Publish(runstate.Event{RunID: "r1", Type: runstate.EventRunStarted})
}

func TestPublisher_PublishesEvent(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p := NewPublisher(nc, zap.NewNop())
	require.True(t, p.Enabled())

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("runs.r1.phase.entered", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p.Publish(runstate.Event{
		Seq:   3,
		Time:  time.Now().UTC(),
		RunID: "r1",
		Type:  runstate.EventPhaseEntered,
		PhaseEntered: &runstate.PhaseEnteredEvent{
			Phase: "specify",
			Type:  "build_verify",
		},
	})

	select {
	case msg := <-ch:
		var e runstate.Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, uint64(3), e.Seq)
		assert.Equal(t, "r1", e.RunID)
		assert.Equal(t, runstate.EventPhaseEntered, e.Type)
		require.NotNil(t, e.PhaseEntered)
		assert.Equal(t, "specify", e.PhaseEntered.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published event")
	}
}

func TestPublisher_RunWildcardSeesAllCategories(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p := NewPublisher(nc, zap.NewNop())

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(RunWildcard("r1"), ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p.Publish(runstate.Event{RunID: "r1", Type: runstate.EventRunStarted})
	p.Publish(runstate.Event{RunID: "r1", Type: runstate.EventGateOpened})
	p.Publish(runstate.Event{RunID: "r2", Type: runstate.EventRunStarted})

	got := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-ch:
			got[msg.Subject] = true
		case <-timeout:
			t.Fatalf("timeout, saw %v", got)
		}
	}
	assert.True(t, got["runs.r1.run.started"])
	assert.True(t, got["runs.r1.gate.opened"])
	assert.NotContains(t, got, "runs.r2.run.started")
}

func TestConnect_BadURLStillRetries(t *testing.T) {
	// RetryOnFailedConnect returns a connection object in reconnecting
	// state rather than an error.
	nc, err := Connect("nats://127.0.0.1:1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	defer nc.Close()
	assert.False(t, nc.IsConnected())
}
