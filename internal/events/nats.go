// Package events publishes engine events and progress snapshots to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harrison/aibuddy/internal/logger"
	"github.com/harrison/aibuddy/internal/models"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "aibuddy"

var tokenSanitizer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// Subject returns <prefix>.tasks.<taskID>.<kind>. The task id is reduced to
// a single subject token.
func Subject(prefix, taskID, kind string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if taskID == "" {
		taskID = "_"
	}
	return fmt.Sprintf("%s.tasks.%s.%s", prefix, tokenSanitizer.Replace(taskID), kind)
}

// Sink is an engine observer that publishes JSON messages. Publish
// failures are logged and never reach the engine.
type Sink struct {
	nc     *nats.Conn
	prefix string
	logger logger.Logger
	owned  bool
}

// NewSink publishes on an existing connection, which the caller closes.
// log may be nil.
func NewSink(nc *nats.Conn, prefix string, log logger.Logger) *Sink {
	return &Sink{nc: nc, prefix: prefix, logger: log}
}

// Connect dials url and returns a Sink that owns the connection.
func Connect(url, prefix string, log logger.Logger) (*Sink, error) {
	nc, err := nats.Connect(url,
		nats.Name("aibuddy"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s := NewSink(nc, prefix, log)
	s.owned = true
	logger.GracefulInfo(log, "Publishing run events to %s under %s", nc.ConnectedUrl(), prefix)
	return s, nil
}

// OnEvent publishes to <prefix>.tasks.<taskId>.events.
func (s *Sink) OnEvent(ev models.ImplementationEvent) {
	s.publish(Subject(s.prefix, ev.TaskID, "events"), ev)
}

// OnProgress publishes to <prefix>.tasks.<taskId>.progress.
func (s *Sink) OnProgress(p models.ImplementationProgress) {
	s.publish(Subject(s.prefix, p.TaskID, "progress"), p)
}

func (s *Sink) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.GracefulWarn(s.logger, "Failed to encode %s message: %v", subject, err)
		return
	}
	if err := s.nc.Publish(subject, data); err != nil {
		logger.GracefulWarn(s.logger, "Failed to publish to %s: %v", subject, err)
	}
}

// Close flushes pending messages and closes an owned connection.
func (s *Sink) Close() error {
	if err := s.nc.FlushTimeout(5 * time.Second); err != nil && !s.nc.IsClosed() {
		logger.GracefulWarn(s.logger, "Failed to flush NATS messages: %v", err)
	}
	if s.owned {
		s.nc.Close()
	}
	return nil
}
