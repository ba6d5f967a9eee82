package notify

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/perfmon/internal/jetstream"
	"github.com/t77yq/perfmon/internal/model"
)

const (
	// AlertsStream is the JetStream stream alerts are published on
	AlertsStream = "ALERTS"

	alertSubjectPrefix = "alert."
)

// NATSChannel publishes alerts on alert.<severity>
type NATSChannel struct {
	js nats.JetStreamContext
}

// NewNATSChannel creates the channel, creating the alerts stream when missing
func NewNATSChannel(js nats.JetStreamContext) (*NATSChannel, error) {
	if err := jetstream.EnsureStream(js, AlertsStream, alertSubjectPrefix+"*"); err != nil {
		return nil, err
	}
	return &NATSChannel{js: js}, nil
}

func (c *NATSChannel) Name() string { return "nats" }

// Send publishes the alert and waits for the stream ack
func (c *NATSChannel) Send(ctx context.Context, alert model.Alert) error {
	return jetstream.PublishJSON(ctx, c.js, alertSubjectPrefix+string(alert.Severity), alert)
}
