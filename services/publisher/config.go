package publisher

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultHost       = "api.keygen.sh"
	defaultAPIVersion = "1.3"
	defaultTimeout    = 60 * time.Second
)

// Config carries the account credentials and endpoints shared by every API call. It is built once
// and injected into the Client; nothing reads the environment after LoadConfig returns.
type Config struct {
	AccountID    string
	ProductToken string
	ProductID    string

	// BaseURL overrides the scheme and host derived from Host, e.g. for a local API.
	BaseURL    string
	Host       string
	APIVersion string
	Timeout    time.Duration

	Log LogConfig

	NATSURL        string
	DatabaseURL    string
	PushgatewayURL string
}

// LogConfig selects the logger level and format.
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment, after loading a .env file when present, and
// requires the API credentials.
func LoadConfig() (Config, error) {
	cfg, err := ReadConfig()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfig is LoadConfig without the credential check, for commands that only touch the ledger or
// the event stream.
func ReadConfig() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("KEYGEN_HOST", defaultHost)
	v.SetDefault("KEYGEN_API_VERSION", defaultAPIVersion)
	v.SetDefault("KEYGEN_HTTP_TIMEOUT", defaultTimeout.String())
	v.SetDefault("RELPUB_LOG_LEVEL", "info")
	v.SetDefault("RELPUB_LOG_FORMAT", "text")

	v.AutomaticEnv()

	rawTimeout := v.GetString("KEYGEN_HTTP_TIMEOUT")
	timeout, err := time.ParseDuration(rawTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("%w: KEYGEN_HTTP_TIMEOUT=%q: %v", ErrInvalidTimeout, rawTimeout, err)
	}
	if timeout <= 0 {
		return Config{}, fmt.Errorf("%w: KEYGEN_HTTP_TIMEOUT=%q must be positive", ErrInvalidTimeout, rawTimeout)
	}

	return Config{
		AccountID:    strings.TrimSpace(v.GetString("KEYGEN_ACCOUNT_ID")),
		ProductToken: strings.TrimSpace(v.GetString("KEYGEN_PRODUCT_TOKEN")),
		ProductID:    strings.TrimSpace(v.GetString("KEYGEN_PRODUCT_ID")),
		BaseURL:      strings.TrimSpace(v.GetString("KEYGEN_BASE_URL")),
		Host:         strings.TrimSpace(v.GetString("KEYGEN_HOST")),
		APIVersion:   v.GetString("KEYGEN_API_VERSION"),
		Timeout:      timeout,
		Log: LogConfig{
			Level:  v.GetString("RELPUB_LOG_LEVEL"),
			Format: v.GetString("RELPUB_LOG_FORMAT"),
		},
		NATSURL:        strings.TrimSpace(v.GetString("NATS_URL")),
		DatabaseURL:    strings.TrimSpace(v.GetString("DATABASE_URL")),
		PushgatewayURL: strings.TrimSpace(v.GetString("PUSHGATEWAY_URL")),
	}, nil
}

// Validate checks that the credentials needed by every call are present.
func (c Config) Validate() error {
	missing := make([]string, 0, 3)
	if c.AccountID == "" {
		missing = append(missing, "KEYGEN_ACCOUNT_ID")
	}
	if c.ProductToken == "" {
		missing = append(missing, "KEYGEN_PRODUCT_TOKEN")
	}
	if c.ProductID == "" {
		missing = append(missing, "KEYGEN_PRODUCT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// AccountURL returns the account-scoped API root, e.g. https://api.keygen.sh/v1/accounts/<id>.
func (c Config) AccountURL() string {
	base := c.BaseURL
	if base == "" {
		host := c.Host
		if host == "" {
			host = defaultHost
		}
		base = "https://" + host
	}
	return strings.TrimRight(base, "/") + "/v1/accounts/" + c.AccountID
}

func (c Config) apiVersion() string {
	if c.APIVersion == "" {
		return defaultAPIVersion
	}
	return c.APIVersion
}
