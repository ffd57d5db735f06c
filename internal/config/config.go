package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	pkgconfig "github.com/ayemish/kindnessconnect/pkg/config"
	"github.com/ayemish/kindnessconnect/pkg/database"
	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	API       APIConfig
	Auth      AuthConfig
	Store     StoreConfig
	Database  database.Config
	Cassandra CassandraConfig
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Cache     CacheConfig
	Redis     RedisConfig
	Inbox     InboxConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig points at the platform REST API.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout time.Duration
	Retries int
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
	// TokenLifetime only applies to tokens minted by dev tooling.
	TokenLifetime   time.Duration `mapstructure:"token_lifetime"`
	RequireVerified bool          `mapstructure:"require_verified"`
}

type StoreConfig struct {
	Driver         string        // memory, gorm, gorm+cassandra
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// CassandraConfig points at the cluster holding message history when
// the store driver is gorm+cassandra. The keyspace must already exist.
type CassandraConfig struct {
	Hosts          []string
	Keyspace       string
	Consistency    string
	Username       string
	Password       string
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration
	NumConns       int `mapstructure:"num_conns"`
}

type CacheConfig struct {
	Enabled bool
	Prefix  string
	TTL     time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type InboxConfig struct {
	// Concurrency bounds parallel room enrichment per snapshot.
	Concurrency int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	_, cfg, err := load()
	return cfg, err
}

// LoadWatched loads the config and calls onChange with the reloaded
// config whenever the config file changes. Reloads that fail to parse
// are logged and skipped.
func LoadWatched(onChange func(*Config)) (*Config, error) {
	v, cfg, err := load()
	if err != nil {
		return nil, err
	}
	pkgconfig.Watch(v, func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			l := log.L()
			l.Warn().Err(err).Str("file", e.Name).Msg("ignoring unreadable config change")
			return
		}
		onChange(&next)
	})
	return cfg, nil
}

func load() (*viper.Viper, *Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, nil, err
	}

	setDefaults(v)

	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":           "PORT",
		"api.base_url":          "API_URL",
		"auth.jwt_secret":       "JWT_SECRET",
		"auth.issuer":           "JWT_ISSUER",
		"store.driver":          "STORE_DRIVER",
		"database.driver":       "DB_DRIVER",
		"database.host":         "DB_HOST",
		"database.port":         "DB_PORT",
		"database.user":         "DB_USER",
		"database.password":     "DB_PASSWORD",
		"database.dbname":       "DB_NAME",
		"database.file_path":    "DB_FILE_PATH",
		"cassandra.hosts":       "CASSANDRA_HOSTS",
		"cassandra.keyspace":    "CASSANDRA_KEYSPACE",
		"cassandra.username":    "CASSANDRA_USERNAME",
		"cassandra.password":    "CASSANDRA_PASSWORD",
		"pubsub.driver":         "PUBSUB_DRIVER",
		"pubsub.redis.address":  "REDIS_ADDRESS",
		"pubsub.redis.password": "REDIS_PASSWORD",
		"pubsub.kafka.brokers":  "KAFKA_BROKERS",
		"redis.address":         "REDIS_ADDRESS",
		"redis.password":        "REDIS_PASSWORD",
		"cache.enabled":         "CACHE_ENABLED",
		"log.level":             "LOG_LEVEL",
	}); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}

	return v, &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("api.base_url", "http://127.0.0.1:8000")
	v.SetDefault("api.timeout", "5s")
	v.SetDefault("api.retries", 2)
	v.SetDefault("auth.issuer", "kindnessconnect")
	v.SetDefault("auth.token_lifetime", "1h")
	v.SetDefault("auth.require_verified", true)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.resync_interval", "30s")
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "chat.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("cassandra.keyspace", "kindness_chat")
	v.SetDefault("cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("cassandra.num_conns", 2)
	v.SetDefault("pubsub.driver", "local")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "chat-gateway")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.prefix", "chat:lookup")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("inbox.concurrency", 8)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.auth_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("log.level", "info")
}
