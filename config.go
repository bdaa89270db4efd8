// config.go
// ----------
// Config holds everything the bridge needs to talk to the Marketing API: credentials and
// application identity, endpoint overrides, the quota tier, and retry tuning.
//
// LoadConfig reads the META_* environment through viper so the CLI and tests share one
// source of truth.
package adsbridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v22.0"
	DefaultUserAgent  = "meta-ads-bridge/1.0"
)

// Tier is the provider's access tier. It is configured, never detected.
type Tier struct {
	Name          string
	MaxScore      int
	DecayWindow   time.Duration
	BlockDuration time.Duration
}

var (
	TierDevelopment = Tier{Name: "development", MaxScore: 60, DecayWindow: 5 * time.Minute, BlockDuration: time.Minute}
	TierStandard    = Tier{Name: "standard", MaxScore: 9000, DecayWindow: 5 * time.Minute, BlockDuration: 5 * time.Second}
)

// ParseTier maps a configuration value onto a known tier.
func ParseTier(name string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "development", "dev":
		return TierDevelopment, nil
	case "standard", "std":
		return TierStandard, nil
	}
	return Tier{}, fmt.Errorf("unknown tier %q", name)
}

type Config struct {
	AccessToken string
	AppID       string
	AppSecret   string
	RedirectURI string
	BaseURL     string
	APIVersion  string
	AutoRefresh bool
	UserAgent   string

	Tier Tier

	MaxAttempts    int           // total attempts per call, first try included
	BaseBackoff    time.Duration // initial backoff for exponential retry
	MaxBackoff     time.Duration // cap on a single retry delay
	MaxQuotaWait   time.Duration // longest a caller is held by a local quota block
	RequestTimeout time.Duration // per-attempt timeout
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		APIVersion:     DefaultAPIVersion,
		UserAgent:      DefaultUserAgent,
		Tier:           TierDevelopment,
		MaxAttempts:    4,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		MaxQuotaWait:   2 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero values so a partially built Config is still usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.APIVersion == "" {
		c.APIVersion = d.APIVersion
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.Tier.MaxScore == 0 {
		c.Tier = d.Tier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// VersionedBaseURL is the prefix every endpoint is resolved against.
func (c Config) VersionedBaseURL() string {
	c = c.withDefaults()
	return c.BaseURL + "/" + c.APIVersion
}

// LoadConfig reads META_* variables (META_ACCESS_TOKEN, META_TIER, ...) through v.
// A nil v uses a fresh viper instance bound to the environment.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("META")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("api_version", d.APIVersion)
	v.SetDefault("auto_refresh", true)
	v.SetDefault("tier", d.Tier.Name)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("base_backoff", d.BaseBackoff)
	v.SetDefault("max_backoff", d.MaxBackoff)
	v.SetDefault("max_quota_wait", d.MaxQuotaWait)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("user_agent", d.UserAgent)

	tier, err := ParseTier(v.GetString("tier"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AccessToken:    v.GetString("access_token"),
		AppID:          v.GetString("app_id"),
		AppSecret:      v.GetString("app_secret"),
		RedirectURI:    v.GetString("redirect_uri"),
		BaseURL:        v.GetString("base_url"),
		APIVersion:     v.GetString("api_version"),
		AutoRefresh:    v.GetBool("auto_refresh"),
		UserAgent:      v.GetString("user_agent"),
		Tier:           tier,
		MaxAttempts:    v.GetInt("max_attempts"),
		BaseBackoff:    v.GetDuration("base_backoff"),
		MaxBackoff:     v.GetDuration("max_backoff"),
		MaxQuotaWait:   v.GetDuration("max_quota_wait"),
		RequestTimeout: v.GetDuration("request_timeout"),
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		return Config{}, fmt.Errorf("max backoff %v is smaller than base backoff %v", cfg.MaxBackoff, cfg.BaseBackoff)
	}
	return cfg.withDefaults(), nil
}
