package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/model"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts over SMTP
type EmailChannel struct {
	config   config.EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{config: cfg, sendMail: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

// Send delivers the alert to every configured recipient
func (c *EmailChannel) Send(ctx context.Context, alert model.Alert) error {
	if len(c.config.To) == 0 {
		return fmt.Errorf("%w: no email recipients configured", ErrDeliveryFailed)
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	msg := c.message(alert)

	// net/smtp has no context support; abandon the send when ctx expires
	done := make(chan error, 1)
	go func() {
		done <- c.sendMail(addr, auth, c.config.From, c.config.To, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *EmailChannel) message(alert model.Alert) []byte {
	var body strings.Builder
	fmt.Fprintf(&body, "Rule: %s\r\n", alert.RuleName)
	fmt.Fprintf(&body, "Severity: %s\r\n", alert.Severity)
	fmt.Fprintf(&body, "State: %s\r\n", alert.State)
	fmt.Fprintf(&body, "Metric: %s (%s)\r\n", alert.Context.Metric, alert.Context.Aggregation)
	fmt.Fprintf(&body, "Value: %.2f %s %.2f\r\n", alert.Context.Value, alert.Context.Operator, alert.Context.Threshold)
	fmt.Fprintf(&body, "Window: %s\r\n", alert.Context.Window)
	fmt.Fprintf(&body, "First fired: %s\r\n", alert.FirstFiredAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&body, "Fire count: %d\r\n", alert.FireCount)
	if alert.Message != "" {
		fmt.Fprintf(&body, "\r\n%s\r\n", alert.Message)
	}

	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: [%s] %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		c.config.From,
		strings.Join(c.config.To, ", "),
		strings.ToUpper(string(alert.Severity)),
		alert.RuleName,
		body.String()))
}
