package sendgrid

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

type Config struct {
	BaseURL   string
	APIKey    string
	Sender    string
	Recipient string
	Timeout   time.Duration
}

// Client sends email through the SendGrid v3 mail API.
type Client struct {
	http      *resty.Client
	sender    string
	recipient string
}

var _ interfaces.Notifier = (*Client)(nil)

func New(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetAuthToken(cfg.APIKey)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Client{http: client, sender: cfg.Sender, recipient: cfg.Recipient}
}

type address struct {
	Email string `json:"email"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mail struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

type apiError struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (c *Client) Send(ctx context.Context, channel types.Channel, payload types.Payload) error {
	if channel != types.ChannelEmail {
		return fmt.Errorf("sendgrid cannot send %s: %w", channel, types.ErrNotifier)
	}

	body := mail{
		Personalizations: []personalization{{To: []address{{Email: c.recipient}}}},
		From:             address{Email: c.sender},
		Subject:          payload.Subject,
		Content:          []content{{Type: "text/html", Value: RenderHTML(payload)}},
	}

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&apiErr).
		Post("/v3/mail/send")
	if err != nil {
		return fmt.Errorf("sendgrid request: %w: %w", types.ErrNotifier, err)
	}
	if resp.IsError() {
		msgs := make([]string, 0, len(apiErr.Errors))
		for _, e := range apiErr.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("sendgrid status %d: %s: %w", resp.StatusCode(), strings.Join(msgs, "; "), types.ErrNotifier)
	}
	return nil
}

// RenderHTML formats the payload as the email body. Metrics are listed in
// key order.
func RenderHTML(p types.Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2><p>%s</p>", html.EscapeString(p.Subject), html.EscapeString(p.Body))
	if len(p.Metrics) > 0 {
		keys := make([]string, 0, len(p.Metrics))
		for k := range p.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("<table>")
		for _, k := range keys {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>", html.EscapeString(k), html.EscapeString(p.Metrics[k]))
		}
		b.WriteString("</table>")
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "<p><strong>Timestamp:</strong> %s</p>", ts.UTC().Format(time.RFC3339))
	return b.String()
}
