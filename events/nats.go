// Package events mirrors appended audit entries onto a NATS JetStream bus
// for external observers. The signed chain in the log store remains the
// source of truth; the bus is best-effort delivery for dashboards and
// alerting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jameslbarnes/dshield/interfaces"
)

const streamName = "DSHIELD_AUDIT"

// Bus publishes audit entries to JetStream subjects of the form
// dshield.audit.<kind>.<functionId>.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

// NewBus connects to NATS and ensures the audit stream exists.
func NewBus(natsURL string, log *slog.Logger) (*Bus, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"dshield.audit.>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}
	if _, err := js.AddStream(cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		// Stream may exist with older settings; try to update in place.
		if _, uerr := js.UpdateStream(cfg); uerr != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ensure audit stream: %w", err)
		}
	}

	return &Bus{conn: conn, js: js, log: log}, nil
}

// PublishEntry mirrors one signed entry onto the bus.
func (b *Bus) PublishEntry(ctx context.Context, entry interfaces.SignedLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("dshield.audit.%s.%s", entry.Kind, subjectToken(entry.FunctionID))
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}

	b.log.Debug("Published audit entry",
		slog.String("subject", subject),
		slog.Uint64("sequence", entry.Sequence))

	return nil
}

// subjectToken makes a function id safe for use as a NATS subject token.
func subjectToken(functionID string) string {
	out := []byte(functionID)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

// Close drains the underlying connection.
func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}
