package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/t77yq/perfmon/internal/model"
)

type chatMarkdown struct {
	Content string `json:"content"`
}

type chatMessage struct {
	MsgType  string       `json:"msgtype"`
	Markdown chatMarkdown `json:"markdown"`
}

// ChatChannel posts a markdown message to a group-chat robot webhook
type ChatChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewChatChannel creates a chat channel registered under name
func NewChatChannel(name, url string) *ChatChannel {
	return &ChatChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ChatChannel) Name() string { return c.name }

// Send posts the alert rendered as markdown
func (c *ChatChannel) Send(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(chatMessage{
		MsgType:  "markdown",
		Markdown: chatMarkdown{Content: renderMarkdown(alert)},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	return postJSON(ctx, c.client, c.url, body)
}

func renderMarkdown(alert model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] %s\n", strings.ToUpper(string(alert.Severity)), alert.RuleName)
	fmt.Fprintf(&b, "> state: **%s**\n", alert.State)
	fmt.Fprintf(&b, "> metric: `%s` %s\n", alert.Context.Metric, alert.Context.Aggregation)
	fmt.Fprintf(&b, "> value: **%.2f** %s %.2f\n", alert.Context.Value, alert.Context.Operator, alert.Context.Threshold)
	fmt.Fprintf(&b, "> window: %s\n", alert.Context.Window)
	fmt.Fprintf(&b, "> fired: %s (x%d)\n", alert.LastFiredAt.UTC().Format(time.RFC3339), alert.FireCount)
	return b.String()
}
