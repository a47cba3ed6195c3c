package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"portfolio-guard/internal/types"
)

type HoldingConfig struct {
	Symbol        string  `yaml:"symbol"`
	Quantity      float64 `yaml:"quantity"`
	PurchasePrice float64 `yaml:"purchase_price"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
}

type Config struct {
	Mode        string `yaml:"mode"`
	Environment string `yaml:"environment"`
	Portfolio   struct {
		TickInterval  time.Duration   `yaml:"tick_interval"`
		TickDeadline  time.Duration   `yaml:"tick_deadline"`
		MaxAllocation float64         `yaml:"max_allocation"`
		StopLossPct   float64         `yaml:"stop_loss_pct"`
		InitialCash   float64         `yaml:"initial_cash"`
		Holdings      []HoldingConfig `yaml:"holdings"`
	} `yaml:"portfolio"`
	Sentiment struct {
		PositiveThreshold float64 `yaml:"positive_threshold"`
		NegativeThreshold float64 `yaml:"negative_threshold"`
	} `yaml:"sentiment"`
	Cache struct {
		PriceTTL          time.Duration `yaml:"price_ttl"`
		SentimentTTL      time.Duration `yaml:"sentiment_ttl"`
		PriceMaxStale     time.Duration `yaml:"price_max_stale"`
		SentimentMaxStale time.Duration `yaml:"sentiment_max_stale"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		Persist           bool          `yaml:"persist"`
	} `yaml:"cache"`
	Feeds struct {
		Price struct {
			Provider       string            `yaml:"provider"`
			BaseURL        string            `yaml:"base_url"`
			APIKeyEnv      string            `yaml:"api_key_env"`
			SymbolMap      map[string]string `yaml:"symbol_map"`
			RequestsPerSec int               `yaml:"requests_per_sec"`
			Timeout        time.Duration     `yaml:"timeout"`
		} `yaml:"price"`
		Sentiment struct {
			Provider  string            `yaml:"provider"`
			BaseURL   string            `yaml:"base_url"`
			APIKeyEnv string            `yaml:"api_key_env"`
			TopicMap  map[string]string `yaml:"topic_map"`
			Timeout   time.Duration     `yaml:"timeout"`
		} `yaml:"sentiment"`
	} `yaml:"feeds"`
	Notification struct {
		SMSEnabled     bool          `yaml:"sms_enabled"`
		EmailEnabled   bool          `yaml:"email_enabled"`
		DedupWindow    time.Duration `yaml:"dedup_window"`
		MarkBeforeSend bool          `yaml:"mark_before_send"`
		SMSMaxChars    int           `yaml:"sms_max_chars"`
		Thresholds     struct {
			PortfolioValueChangePercent float64 `yaml:"portfolio_value_change_percent"`
			HoldingValueChangePercent   float64 `yaml:"holding_value_change_percent"`
			SentimentChange             float64 `yaml:"sentiment_change"`
		} `yaml:"notification_thresholds"`
		Twilio struct {
			BaseURL         string `yaml:"base_url"`
			AccountSIDEnv   string `yaml:"account_sid_env"`
			AuthTokenEnv    string `yaml:"auth_token_env"`
			FromNumber      string `yaml:"from_number"`
			RecipientNumber string `yaml:"recipient_number"`
		} `yaml:"twilio"`
		SendGrid struct {
			BaseURL        string `yaml:"base_url"`
			APIKeyEnv      string `yaml:"api_key_env"`
			SenderEmail    string `yaml:"sender_email"`
			RecipientEmail string `yaml:"recipient_email"`
		} `yaml:"sendgrid"`
	} `yaml:"notification"`
	Storage struct {
		Driver              string `yaml:"driver"`
		Path                string `yaml:"path"`
		DSNEnv              string `yaml:"dsn_env"`
		AuditKeyEnv         string `yaml:"audit_key_env"`
		ReportDir           string `yaml:"report_dir"`
		ReportRetentionDays int    `yaml:"report_retention_days"`
	} `yaml:"storage"`
	API struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"api"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Environment != "dev" && c.Environment != "prod" {
		return fmt.Errorf("invalid environment '%s': must be 'dev' or 'prod'", c.Environment)
	}
	if len(c.Portfolio.Holdings) == 0 {
		return errors.New("portfolio.holdings cannot be empty")
	}
	seen := map[string]bool{}
	for _, h := range c.Portfolio.Holdings {
		if h.Symbol == "" {
			return errors.New("portfolio.holdings: symbol is required")
		}
		if seen[h.Symbol] {
			return fmt.Errorf("portfolio.holdings: duplicate symbol %s", h.Symbol)
		}
		seen[h.Symbol] = true
		if h.Quantity < 0 || h.PurchasePrice <= 0 {
			return fmt.Errorf("portfolio.holdings[%s]: quantity must be >= 0 and purchase_price > 0", h.Symbol)
		}
		if h.StopLossPct < 0 || h.StopLossPct >= 1 {
			return fmt.Errorf("portfolio.holdings[%s]: stop_loss_pct must be in [0,1), got %.2f", h.Symbol, h.StopLossPct)
		}
	}
	if c.Portfolio.InitialCash < 0 {
		return fmt.Errorf("portfolio.initial_cash must be >= 0, got %.2f", c.Portfolio.InitialCash)
	}
	if c.Portfolio.MaxAllocation <= 0 || c.Portfolio.MaxAllocation > 1 {
		return fmt.Errorf("portfolio.max_allocation must be in (0,1], got %.2f", c.Portfolio.MaxAllocation)
	}
	if c.Portfolio.StopLossPct < 0 || c.Portfolio.StopLossPct >= 1 {
		return fmt.Errorf("portfolio.stop_loss_pct must be in [0,1), got %.2f", c.Portfolio.StopLossPct)
	}
	if c.Sentiment.NegativeThreshold >= c.Sentiment.PositiveThreshold {
		return fmt.Errorf("sentiment.negative_threshold (%.2f) must be below positive_threshold (%.2f)",
			c.Sentiment.NegativeThreshold, c.Sentiment.PositiveThreshold)
	}
	if c.Portfolio.TickDeadline > c.Portfolio.TickInterval {
		return fmt.Errorf("portfolio.tick_deadline (%s) must not exceed tick_interval (%s)",
			c.Portfolio.TickDeadline, c.Portfolio.TickInterval)
	}
	switch c.Feeds.Price.Provider {
	case "binance", "static":
	default:
		return fmt.Errorf("feeds.price.provider must be 'binance' or 'static', got '%s'", c.Feeds.Price.Provider)
	}
	switch c.Feeds.Sentiment.Provider {
	case "lunarcrush", "static", "none":
	default:
		return fmt.Errorf("feeds.sentiment.provider must be 'lunarcrush', 'static' or 'none', got '%s'", c.Feeds.Sentiment.Provider)
	}
	switch c.Storage.Driver {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be 'file', 'sqlite' or 'postgres', got '%s'", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSNEnv == "" {
		return errors.New("storage.dsn_env is required for the postgres driver")
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes yaml, applies defaults and validates.
func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "DRY_RUN"
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Portfolio.TickInterval == 0 {
		c.Portfolio.TickInterval = 60 * time.Second
	}
	if c.Portfolio.TickDeadline == 0 {
		c.Portfolio.TickDeadline = c.Portfolio.TickInterval / 2
	}
	if c.Portfolio.MaxAllocation == 0 {
		c.Portfolio.MaxAllocation = 0.6
	}
	if c.Portfolio.StopLossPct == 0 {
		c.Portfolio.StopLossPct = 0.2
	}
	if len(c.Portfolio.Holdings) == 0 {
		c.Portfolio.Holdings = DefaultHoldings()
	}
	for i := range c.Portfolio.Holdings {
		if c.Portfolio.Holdings[i].StopLossPct == 0 {
			c.Portfolio.Holdings[i].StopLossPct = c.Portfolio.StopLossPct
		}
	}
	if c.Sentiment.PositiveThreshold == 0 && c.Sentiment.NegativeThreshold == 0 {
		c.Sentiment.PositiveThreshold = 0.7
		c.Sentiment.NegativeThreshold = 0.3
	}
	if c.Cache.PriceTTL == 0 {
		c.Cache.PriceTTL = 5 * time.Minute
	}
	if c.Cache.SentimentTTL == 0 {
		c.Cache.SentimentTTL = time.Hour
	}
	if c.Cache.PriceMaxStale == 0 {
		c.Cache.PriceMaxStale = 6 * c.Cache.PriceTTL
	}
	if c.Cache.SentimentMaxStale == 0 {
		c.Cache.SentimentMaxStale = 6 * c.Cache.SentimentTTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 10 * time.Minute
	}
	if c.Feeds.Price.Provider == "" {
		c.Feeds.Price.Provider = "static"
	}
	if c.Feeds.Price.BaseURL == "" {
		c.Feeds.Price.BaseURL = "https://api.binance.com"
	}
	if len(c.Feeds.Price.SymbolMap) == 0 {
		c.Feeds.Price.SymbolMap = map[string]string{}
		for _, h := range c.Portfolio.Holdings {
			c.Feeds.Price.SymbolMap[h.Symbol] = strings.ToUpper(h.Symbol) + "USDT"
		}
	}
	if c.Feeds.Price.RequestsPerSec == 0 {
		c.Feeds.Price.RequestsPerSec = 10
	}
	if c.Feeds.Price.Timeout == 0 {
		c.Feeds.Price.Timeout = 10 * time.Second
	}
	if c.Feeds.Sentiment.Provider == "" {
		c.Feeds.Sentiment.Provider = "static"
	}
	if c.Feeds.Sentiment.BaseURL == "" {
		c.Feeds.Sentiment.BaseURL = "https://lunarcrush.ai"
	}
	if c.Feeds.Sentiment.Timeout == 0 {
		c.Feeds.Sentiment.Timeout = 15 * time.Second
	}
	if c.Notification.DedupWindow == 0 {
		c.Notification.DedupWindow = time.Hour
	}
	if c.Notification.SMSMaxChars == 0 {
		c.Notification.SMSMaxChars = 115
	}
	if c.Notification.Thresholds.PortfolioValueChangePercent == 0 {
		c.Notification.Thresholds.PortfolioValueChangePercent = 5
	}
	if c.Notification.Thresholds.HoldingValueChangePercent == 0 {
		c.Notification.Thresholds.HoldingValueChangePercent = 10
	}
	if c.Notification.Thresholds.SentimentChange == 0 {
		c.Notification.Thresholds.SentimentChange = 0.2
	}
	if c.Notification.Twilio.BaseURL == "" {
		c.Notification.Twilio.BaseURL = "https://api.twilio.com"
	}
	if c.Notification.SendGrid.BaseURL == "" {
		c.Notification.SendGrid.BaseURL = "https://api.sendgrid.com"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Storage.ReportDir == "" {
		c.Storage.ReportDir = "reports"
	}
	if c.Storage.ReportRetentionDays == 0 {
		c.Storage.ReportRetentionDays = 30
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
}

// DefaultHoldings is the basket used when the config names none.
func DefaultHoldings() []HoldingConfig {
	return []HoldingConfig{
		{Symbol: "PHA", Quantity: 250, PurchasePrice: 0.20},
		{Symbol: "SUI", Quantity: 10, PurchasePrice: 3.00},
		{Symbol: "DUSK", Quantity: 80, PurchasePrice: 0.25},
	}
}

// Thresholds returns the immutable threshold set handed to the engine and scheduler.
func (c *Config) Thresholds() types.Thresholds {
	return types.Thresholds{
		StopLossPct:       decimal.NewFromFloat(c.Portfolio.StopLossPct),
		MaxAllocation:     decimal.NewFromFloat(c.Portfolio.MaxAllocation),
		PositiveThreshold: c.Sentiment.PositiveThreshold,
		NegativeThreshold: c.Sentiment.NegativeThreshold,
		Notification: types.NotificationThresholds{
			PortfolioValueChangePct: c.Notification.Thresholds.PortfolioValueChangePercent,
			HoldingValueChangePct:   c.Notification.Thresholds.HoldingValueChangePercent,
			SentimentChange:         c.Notification.Thresholds.SentimentChange,
		},
		PriceTTL:     c.Cache.PriceTTL,
		SentimentTTL: c.Cache.SentimentTTL,
		TickInterval: c.Portfolio.TickInterval,
	}
}

// SeedHoldings converts the configured basket into holdings.
func (c *Config) SeedHoldings() []types.Holding {
	out := make([]types.Holding, 0, len(c.Portfolio.Holdings))
	for _, h := range c.Portfolio.Holdings {
		out = append(out, types.Holding{
			Symbol:        h.Symbol,
			Quantity:      decimal.NewFromFloat(h.Quantity),
			PurchasePrice: decimal.NewFromFloat(h.PurchasePrice),
			StopLossPct:   decimal.NewFromFloat(h.StopLossPct),
		})
	}
	return out
}

// Secret reads the environment variable named by envName.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
