package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aibuddy/internal/models"
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
	assert.Equal(t, "aibuddy.tasks.task-1.events", Subject("", "task-1", "events"))
	assert.Equal(t, "ci.tasks.feat_x_y.progress", Subject("ci", "feat.x y", "progress"))
	assert.Equal(t, "aibuddy.tasks._.events", Subject("aibuddy", "", "events"))
}

func TestSinkPublishesEventsAndProgress(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	events, err := sub.SubscribeSync("aibuddy.tasks.task-7.events")
	require.NoError(t, err)
	progress, err := sub.SubscribeSync("aibuddy.tasks.task-7.progress")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink, err := Connect(server.ClientURL(), "aibuddy", nil)
	require.NoError(t, err)

	sink.OnEvent(models.ImplementationEvent{Type: models.EventStepStarted, TaskID: "task-7", StepID: "step-1"})
	sink.OnProgress(models.ImplementationProgress{TaskID: "task-7", Status: models.RunExecuting, TotalSteps: 3})
	require.NoError(t, sink.Close())

	msg, err := events.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev models.ImplementationEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, models.EventStepStarted, ev.Type)
	assert.Equal(t, "step-1", ev.StepID)

	msg, err = progress.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var p models.ImplementationProgress
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	assert.Equal(t, models.RunExecuting, p.Status)
	assert.Equal(t, 3, p.TotalSteps)
}

func TestSinkOnSharedConnectionLeavesItOpen(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sink := NewSink(nc, "", nil)
	sink.OnEvent(models.ImplementationEvent{Type: models.EventLog, TaskID: "t"})
	require.NoError(t, sink.Close())
	assert.False(t, nc.IsClosed())
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "aibuddy", nil)
	assert.Error(t, err)
}
