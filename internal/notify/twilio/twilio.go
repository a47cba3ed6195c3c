package twilio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

// DefaultMaxChars keeps an SMS inside one segment after the trial prefix.
const DefaultMaxChars = 115

type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	To         string
	MaxChars   int
	Timeout    time.Duration
}

// Client sends SMS through the Twilio Messages API.
type Client struct {
	http     *resty.Client
	sid      string
	from     string
	to       string
	maxChars int
}

var _ interfaces.Notifier = (*Client)(nil)

func New(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Client{
		http:     client,
		sid:      cfg.AccountSID,
		from:     cfg.From,
		to:       cfg.To,
		maxChars: maxChars,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Send(ctx context.Context, channel types.Channel, payload types.Payload) error {
	if channel != types.ChannelSMS {
		return fmt.Errorf("twilio cannot send %s: %w", channel, types.ErrNotifier)
	}

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"From": c.from,
			"To":   c.to,
			"Body": Truncate(payload.Body, c.maxChars),
		}).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", c.sid))
	if err != nil {
		return fmt.Errorf("twilio request: %w: %w", types.ErrNotifier, err)
	}
	if resp.IsError() {
		return fmt.Errorf("twilio status %d (code %d): %s: %w",
			resp.StatusCode(), apiErr.Code, apiErr.Message, types.ErrNotifier)
	}
	return nil
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
