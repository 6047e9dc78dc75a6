package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Publisher PublisherConfig `yaml:"publisher"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Media     MediaConfig     `yaml:"media"`
	Status    StatusConfig    `yaml:"status"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Vault     VaultConfig     `yaml:"vault"`
}

// StoreConfig selects where the job and agent-status documents live.
// Path is always used for the SQLite database (credentials, scan history).
type StoreConfig struct {
	Backend  string        `yaml:"backend"` // sqlite, file, memory, nats
	Path     string        `yaml:"path"`
	Dir      string        `yaml:"dir"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	Bucket  string `yaml:"bucket"`
	// URL is where CLI commands reach the gateway's bus.
	URL string `yaml:"url"`
}

// ClientURL is URL, or the local embedded server on Port.
func (c NATSConfig) ClientURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", c.Port)
}

type WebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	Auth       string `yaml:"auth"`
	CronSecret string `yaml:"cron_secret"`
	// WorkerTokens maps an agent id to a bearer token that may only update
	// that agent's status.
	WorkerTokens map[string]string `yaml:"worker_tokens"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Cron         string        `yaml:"cron"`
}

type PublisherConfig struct {
	Concurrent bool          `yaml:"concurrent"`
	Timeout    time.Duration `yaml:"timeout"`
	AgentID    string        `yaml:"agent_id"`
}

type PlatformsConfig struct {
	Twitter   TwitterConfig   `yaml:"twitter"`
	LinkedIn  LinkedInConfig  `yaml:"linkedin"`
	Instagram InstagramConfig `yaml:"instagram"`
	Facebook  FacebookConfig  `yaml:"facebook"`
}

type TwitterConfig struct {
	ConsumerKey       string `yaml:"consumer_key"`
	ConsumerSecret    string `yaml:"consumer_secret"`
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret string `yaml:"access_token_secret"`
	APIBase           string `yaml:"api_base"`
	UploadBase        string `yaml:"upload_base"`
}

type LinkedInConfig struct {
	AccessToken string `yaml:"access_token"`
	APIBase     string `yaml:"api_base"`
}

type InstagramConfig struct {
	AccessToken string `yaml:"access_token"`
	UserID      string `yaml:"user_id"`
	APIBase     string `yaml:"api_base"`
}

type FacebookConfig struct {
	AccessToken string `yaml:"access_token"`
	PageID      string `yaml:"page_id"`
	APIBase     string `yaml:"api_base"`
}

type MediaConfig struct {
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type StatusConfig struct {
	Orchestrator string        `yaml:"orchestrator"`
	Agents       []string      `yaml:"agents"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend:  "sqlite",
			Path:     "data/postdeck.db",
			Dir:      "data/docs",
			CacheTTL: 2 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
			Bucket:  "postdeck",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
		},
		Publisher: PublisherConfig{
			Timeout: 30 * time.Second,
			AgentID: "publisher",
		},
		Platforms: PlatformsConfig{
			Twitter: TwitterConfig{
				APIBase:    "https://api.twitter.com",
				UploadBase: "https://upload.twitter.com",
			},
			LinkedIn:  LinkedInConfig{APIBase: "https://api.linkedin.com"},
			Instagram: InstagramConfig{APIBase: "https://graph.facebook.com/v19.0"},
			Facebook:  FacebookConfig{APIBase: "https://graph.facebook.com/v19.0"},
		},
		Media: MediaConfig{
			Dir: "data/media",
		},
		Status: StatusConfig{
			Orchestrator: "orchestrator",
			Agents:       []string{"orchestrator", "publisher", "image-gen", "copywriter"},
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("POSTDECK_CONFIG")
	if path == "" {
		path = "config/postdeck.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite", "file", "memory", "nats":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Publisher.Timeout <= 0 {
		return fmt.Errorf("publisher timeout must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.Store.Backend, "POSTDECK_STORE_BACKEND")
	setString(&cfg.Store.Path, "POSTDECK_STORE_PATH")
	setInt(&cfg.Web.Port, "POSTDECK_WEB_PORT")
	setString(&cfg.Web.Auth, "POSTDECK_WEB_PASSWORD")
	setString(&cfg.Web.CronSecret, "CRON_SECRET")
	setInt(&cfg.NATS.Port, "POSTDECK_NATS_PORT")
	setString(&cfg.NATS.URL, "POSTDECK_NATS_URL")

	tw := &cfg.Platforms.Twitter
	setString(&tw.ConsumerKey, "TWITTER_API_KEY")
	setString(&tw.ConsumerSecret, "TWITTER_API_SECRET")
	setString(&tw.AccessToken, "TWITTER_ACCESS_TOKEN")
	setString(&tw.AccessTokenSecret, "TWITTER_ACCESS_SECRET")
	setString(&cfg.Platforms.LinkedIn.AccessToken, "LINKEDIN_ACCESS_TOKEN")
	setString(&cfg.Platforms.Instagram.AccessToken, "INSTAGRAM_ACCESS_TOKEN")
	setString(&cfg.Platforms.Instagram.UserID, "INSTAGRAM_USER_ID")
	setString(&cfg.Platforms.Facebook.AccessToken, "FACEBOOK_PAGE_ACCESS_TOKEN")
	setString(&cfg.Platforms.Facebook.PageID, "FACEBOOK_PAGE_ID")

	setString(&cfg.Media.PublicBaseURL, "POSTDECK_MEDIA_BASE_URL")
	setString(&cfg.Telegram.Token, "POSTDECK_TELEGRAM_TOKEN")
	if v := os.Getenv("POSTDECK_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	setString(&cfg.Vault.Passphrase, "POSTDECK_VAULT_PASSPHRASE")
}
