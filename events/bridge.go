package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Bridge mirrors every bus event onto NATS subjects so external consumers
// (UIs, other processes) can observe the control plane without linking into
// it. Topic "task:completed" publishes on "<prefix>.task.completed".
type Bridge struct {
	conn        *nats.Conn
	prefix      string
	logger      *slog.Logger
	unsubscribe func()
}

// NewBridge connects to a NATS server. prefix defaults to "autopilot" when
// empty.
func NewBridge(url, prefix string) (*Bridge, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if prefix == "" {
		prefix = "autopilot"
	}
	return &Bridge{
		conn:   conn,
		prefix: prefix,
		logger: slog.Default(),
	}, nil
}

// Attach subscribes the bridge to every topic on the bus. Publish failures
// are logged and never propagate to emitters.
func (br *Bridge) Attach(bus *Bus) {
	br.unsubscribe = bus.On("*", func(topic string, data map[string]any) {
		payload, err := json.Marshal(NewEnvelope(topic, data))
		if err != nil {
			br.logger.Warn("marshal bridge event", "topic", topic, "error", err)
			return
		}
		if err := br.conn.Publish(br.subjectFor(topic), payload); err != nil {
			br.logger.Warn("publish bridge event", "topic", topic, "error", err)
		}
	})
}

// Close detaches from the bus and drains the NATS connection.
func (br *Bridge) Close() {
	if br.unsubscribe != nil {
		br.unsubscribe()
		br.unsubscribe = nil
	}
	if br.conn != nil {
		if err := br.conn.Drain(); err != nil {
			br.logger.Warn("drain NATS connection", "error", err)
		}
		br.conn.Close()
	}
}

// subjectFor converts a bus topic to a NATS subject.
func (br *Bridge) subjectFor(topic string) string {
	return br.prefix + "." + strings.ReplaceAll(topic, ":", ".")
}
