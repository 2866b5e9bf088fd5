package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Redis    RedisConfig
	Log      LogConfig
	Shopify  ShopifyConfig
	AgeVerif AgeVerifConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type NATSConfig struct {
	URL string
}

// RedisConfig configures webhook delivery dedupe. An empty Addr disables it.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	DedupeTTL int
}

type LogConfig struct {
	Level string
	JSON  bool
}

type ShopifyConfig struct {
	StoreDomain string
	AdminToken  string
	APIVersion  string
}

type AgeVerifConfig struct {
	PublicKey          string
	SecretKey          string
	ClientURL          string
	APIURL             string
	WebhookSecret      string
	MetafieldNamespace string
	MetafieldKey       string
	OrderMetafieldKey  string
	RequestsPerSecond  float64
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{}

	var err error
	cfg.Server.Host = v.GetString("server.host")
	if cfg.Server.Port, err = intValue(v, "server.port"); err != nil {
		return nil, err
	}

	cfg.Database.Host = v.GetString("database.host")
	if cfg.Database.Port, err = intValue(v, "database.port"); err != nil {
		return nil, err
	}
	cfg.Database.User = v.GetString("database.user")
	cfg.Database.Password = v.GetString("database.password")
	cfg.Database.DBName = v.GetString("database.dbname")
	cfg.Database.SSLMode = v.GetString("database.sslmode")

	cfg.NATS.URL = v.GetString("nats.url")

	cfg.Redis.Addr = v.GetString("redis.addr")
	cfg.Redis.Password = v.GetString("redis.password")
	if cfg.Redis.DB, err = intValue(v, "redis.db"); err != nil {
		return nil, err
	}
	if cfg.Redis.DedupeTTL, err = intValue(v, "redis.dedupe_ttl"); err != nil {
		return nil, err
	}

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.JSON = v.GetBool("log.json")

	cfg.Shopify.StoreDomain = strings.TrimSuffix(strings.TrimPrefix(v.GetString("shopify.store_domain"), "https://"), "/")
	cfg.Shopify.AdminToken = v.GetString("shopify.admin_token")
	cfg.Shopify.APIVersion = v.GetString("shopify.api_version")

	cfg.AgeVerif.PublicKey = v.GetString("ageverif.public_key")
	cfg.AgeVerif.SecretKey = v.GetString("ageverif.secret_key")
	cfg.AgeVerif.ClientURL = v.GetString("ageverif.client_url")
	cfg.AgeVerif.APIURL = v.GetString("ageverif.api_url")
	cfg.AgeVerif.WebhookSecret = v.GetString("ageverif.webhook_secret")
	cfg.AgeVerif.MetafieldNamespace = v.GetString("ageverif.metafield_namespace")
	cfg.AgeVerif.MetafieldKey = v.GetString("ageverif.metafield_key")
	cfg.AgeVerif.OrderMetafieldKey = v.GetString("ageverif.order_metafield_key")
	if cfg.AgeVerif.RequestsPerSecond, err = floatValue(v, "ageverif.requests_per_second"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "ageverif")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dedupe_ttl", 86400)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("shopify.store_domain", "")
	v.SetDefault("shopify.admin_token", "")
	v.SetDefault("shopify.api_version", "2024-10")

	v.SetDefault("ageverif.public_key", "")
	v.SetDefault("ageverif.secret_key", "")
	v.SetDefault("ageverif.client_url", "https://www.ageverif.com/checker.js")
	v.SetDefault("ageverif.api_url", "https://api.ageverif.com/v1")
	v.SetDefault("ageverif.webhook_secret", "")
	v.SetDefault("ageverif.metafield_namespace", "ageverif")
	v.SetDefault("ageverif.metafield_key", "verification")
	v.SetDefault("ageverif.order_metafield_key", "verification")
	v.SetDefault("ageverif.requests_per_second", 5.0)
}

// intValue rejects non-numeric values instead of silently falling back to 0
// the way viper.GetInt does.
func intValue(v *viper.Viper, key string) (int, error) {
	n, err := castInt(v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return n, nil
}

func floatValue(v *viper.Viper, key string) (float64, error) {
	switch val := v.Get(key).(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid value for %s: %v", key, val)
	}
}

func castInt(raw any) (int, error) {
	switch val := raw.(type) {
	case int:
		return val, nil
	case string:
		return strconv.Atoi(strings.TrimSpace(val))
	default:
		return 0, fmt.Errorf("unexpected type %T", raw)
	}
}

func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// AdminConfigured reports whether the commerce admin API can be called.
func (c *Config) AdminConfigured() bool {
	return c.Shopify.StoreDomain != "" && c.Shopify.AdminToken != ""
}

// AdminEndpoint is the admin GraphQL URL for the configured store.
func (c *Config) AdminEndpoint() string {
	return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", c.Shopify.StoreDomain, c.Shopify.APIVersion)
}
