package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable holding the YAML file path.
const ConfigPathEnv = "CROWDX_CONFIG"

type Config struct {
	App      AppConfig      `yaml:"app"`
	Infra    InfraConfig    `yaml:"infra"`
	Payments PaymentsConfig `yaml:"payments"`
	Trending TrendingConfig `yaml:"trending"`
	Push     PushConfig     `yaml:"push"`
}

type AppConfig struct {
	Env       string `yaml:"env"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	WebhookTopic  string   `yaml:"webhook_topic"`
	RetryTopic    string   `yaml:"retry_topic"`
	DLTTopic      string   `yaml:"dlt_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
	MaxRetries    int      `yaml:"max_retries"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type NacosConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
}

type PaymentsConfig struct {
	PublicBaseURL    string        `yaml:"public_base_url"`
	Currency         string        `yaml:"currency"`
	DefaultMethod    string        `yaml:"default_method"`
	QueueMode        string        `yaml:"queue_mode"` // "kafka" or "local"
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
	ReplayWindow     time.Duration `yaml:"replay_window"`
	DedupeTTL        time.Duration `yaml:"dedupe_ttl"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	Stripe           StripeConfig  `yaml:"stripe"`
	PayPal           PayPalConfig  `yaml:"paypal"`
}

type FeeConfig struct {
	Rate  string `yaml:"rate"`
	Fixed string `yaml:"fixed"`
}

type StripeConfig struct {
	Enabled       bool      `yaml:"enabled"`
	SecretKey     string    `yaml:"secret_key"`
	WebhookSecret string    `yaml:"webhook_secret"`
	Fee           FeeConfig `yaml:"fee"`
}

type PayPalConfig struct {
	Enabled      bool      `yaml:"enabled"`
	BaseURL      string    `yaml:"base_url"`
	ClientID     string    `yaml:"client_id"`
	ClientSecret string    `yaml:"client_secret"`
	WebhookID    string    `yaml:"webhook_id"`
	BrandName    string    `yaml:"brand_name"`
	Fee          FeeConfig `yaml:"fee"`
}

type TrendingConfig struct {
	Interval           time.Duration `yaml:"interval"`
	PerCampaignTimeout time.Duration `yaml:"per_campaign_timeout"`
	DecayK             float64       `yaml:"decay_k"`
	EligibilityRule    string        `yaml:"eligibility_rule"`
	LockName           string        `yaml:"lock_name"`
}

type PushConfig struct {
	// AllowedOrigins limits websocket upgrades; empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func defaultConfig() Config {
	return Config{
		App: AppConfig{Env: "dev", Port: 8080, LogLevel: "info"},
		Infra: InfraConfig{
			MySQL: MySQLConfig{
				DSN:          "crowdx:crowdx@tcp(localhost:3306)/crowdx?parseTime=true&loc=UTC",
				MaxOpenConns: 20,
				MaxIdleConns: 10,
			},
			Redis: RedisConfig{Addr: "localhost:6379"},
			Kafka: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				WebhookTopic:  "payment-webhook-events",
				RetryTopic:    "payment-webhook-events-retry",
				DLTTopic:      "payment-webhook-events-dlt",
				ConsumerGroup: "payment-service-webhooks",
				MaxRetries:    3,
			},
			Jaeger:    JaegerConfig{SampleRatio: 1},
			Zookeeper: ZookeeperConfig{SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{Addrs: "localhost:8848", Group: "DEFAULT_GROUP"},
		},
		Payments: PaymentsConfig{
			PublicBaseURL:    "http://localhost:3000",
			Currency:         "USD",
			DefaultMethod:    "paypal",
			QueueMode:        "local",
			Workers:          4,
			QueueSize:        256,
			BroadcastTimeout: 3 * time.Second,
			ReplayWindow:     5 * time.Minute,
			DedupeTTL:        72 * time.Hour,
			ProviderTimeout:  15 * time.Second,
			Stripe:           StripeConfig{Fee: FeeConfig{Rate: "0.029", Fixed: "0.30"}},
			PayPal: PayPalConfig{
				BaseURL:   "https://api-m.sandbox.paypal.com",
				BrandName: "CrowdX",
				Fee:       FeeConfig{Rate: "0.0349", Fixed: "0.49"},
			},
		},
		Trending: TrendingConfig{
			Interval:           15 * time.Minute,
			PerCampaignTimeout: 5 * time.Second,
			DecayK:             0.15,
			EligibilityRule:    "campaign.is_active",
			LockName:           "trending-scorer",
		},
	}
}

var current atomic.Pointer[Config]

// GetCurrentConfig returns the last configuration passed through LoadConfig,
// or the defaults if nothing was loaded yet.
func GetCurrentConfig() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	c := defaultConfig()
	return &c
}

// LoadConfig layers defaults, then the YAML file at path (if any), then the
// environment. An empty path falls back to $CROWDX_CONFIG.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	current.Store(&cfg)
	return &cfg, nil
}

func applyEnv(c *Config) {
	c.App.Env = getEnv("APP_ENV", c.App.Env)
	c.App.Port = getEnvInt("PORT", c.App.Port)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.LogPretty = getEnvBool("LOG_PRETTY", c.App.LogPretty)

	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addr = getEnv("REDIS_ADDR", c.Infra.Redis.Addr)
	c.Infra.Redis.Password = getEnv("REDIS_PASSWORD", c.Infra.Redis.Password)
	c.Infra.Kafka.Brokers = getEnvList("KAFKA_BROKERS", c.Infra.Kafka.Brokers)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Zookeeper.Servers = getEnvList("ZOOKEEPER_SERVERS", c.Infra.Zookeeper.Servers)
	c.Infra.Nacos.Enabled = getEnvBool("NACOS_ENABLED", c.Infra.Nacos.Enabled)
	c.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.Addrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)

	p := &c.Payments
	p.PublicBaseURL = getEnv("PUBLIC_BASE_URL", p.PublicBaseURL)
	p.QueueMode = getEnv("WEBHOOK_QUEUE_MODE", p.QueueMode)
	p.Workers = getEnvInt("WEBHOOK_WORKERS", p.Workers)
	p.Stripe.Enabled = getEnvBool("STRIPE_ENABLED", p.Stripe.Enabled)
	p.Stripe.SecretKey = getEnv("STRIPE_SECRET_KEY", p.Stripe.SecretKey)
	p.Stripe.WebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", p.Stripe.WebhookSecret)
	p.PayPal.Enabled = getEnvBool("PAYPAL_ENABLED", p.PayPal.Enabled)
	p.PayPal.BaseURL = getEnv("PAYPAL_BASE_URL", p.PayPal.BaseURL)
	p.PayPal.ClientID = getEnv("PAYPAL_CLIENT_ID", p.PayPal.ClientID)
	p.PayPal.ClientSecret = getEnv("PAYPAL_CLIENT_SECRET", p.PayPal.ClientSecret)
	p.PayPal.WebhookID = getEnv("PAYPAL_WEBHOOK_ID", p.PayPal.WebhookID)

	c.Trending.Interval = getEnvDuration("TRENDING_INTERVAL", c.Trending.Interval)
	c.Trending.EligibilityRule = getEnv("TRENDING_ELIGIBILITY_RULE", c.Trending.EligibilityRule)

	c.Push.AllowedOrigins = getEnvList("PUSH_ALLOWED_ORIGINS", c.Push.AllowedOrigins)
}

// Validate rejects configurations that would only fail later at first use.
func (c *Config) Validate() error {
	var problems []string
	if c.App.Port <= 0 || c.App.Port > 65535 {
		problems = append(problems, fmt.Sprintf("app.port %d out of range", c.App.Port))
	}
	switch c.Payments.QueueMode {
	case "local":
		if c.Payments.Workers <= 0 {
			problems = append(problems, "payments.workers must be positive")
		}
	case "kafka":
		if len(c.Infra.Kafka.Brokers) == 0 || c.Infra.Kafka.WebhookTopic == "" {
			problems = append(problems, "kafka brokers and webhook_topic are required in kafka queue mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("payments.queue_mode %q must be kafka or local", c.Payments.QueueMode))
	}
	if c.Payments.Stripe.Enabled && (c.Payments.Stripe.SecretKey == "" || c.Payments.Stripe.WebhookSecret == "") {
		problems = append(problems, "stripe requires secret_key and webhook_secret")
	}
	if c.Payments.PayPal.Enabled && (c.Payments.PayPal.ClientID == "" || c.Payments.PayPal.ClientSecret == "" || c.Payments.PayPal.WebhookID == "") {
		problems = append(problems, "paypal requires client_id, client_secret and webhook_id")
	}
	if c.Payments.ReplayWindow <= 0 {
		problems = append(problems, "payments.replay_window must be positive")
	}
	if c.Trending.DecayK < 0 {
		problems = append(problems, "trending.decay_k must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
