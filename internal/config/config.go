package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	Socket    SocketConfig
	GatewayA  GatewayAConfig `mapstructure:"gateway_a"`
	GatewayB  GatewayBConfig `mapstructure:"gateway_b"`
	Delivery  DeliveryConfig
	Scheduler SchedulerConfig
	Queue     QueueConfig
	Device    DeviceConfig
}

type ServerConfig struct {
	Port    string
	Timeout time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type StorageConfig struct {
	Driver    string // redis or sqlite
	KeyPrefix string `mapstructure:"key_prefix"`
	DeviceID  string `mapstructure:"device_id"`
	SQLiteDSN string `mapstructure:"sqlite_dsn"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RabbitMQConfig struct {
	Enabled      bool
	URL          string
	Exchange     string
	FailedQueue  string `mapstructure:"failed_queue"`
	OutcomeQueue string `mapstructure:"outcome_queue"`
}

type SocketConfig struct {
	URL                  string
	UserID               string        `mapstructure:"user_id"`
	Token                string
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
}

type GatewayAConfig struct {
	Endpoint  string
	ServerKey string `mapstructure:"server_key"`
	BatchSize int    `mapstructure:"batch_size"`
	Timeout   time.Duration
}

type GatewayBConfig struct {
	Endpoint       string
	KeyID          string `mapstructure:"key_id"`
	TeamID         string `mapstructure:"team_id"`
	BundleID       string `mapstructure:"bundle_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Timeout        time.Duration
}

type DeliveryConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Timezone    string
}

type SchedulerConfig struct {
	Interval      time.Duration
	LocalBackstop bool `mapstructure:"local_backstop"`
}

type QueueConfig struct {
	Interval   time.Duration
	MaxRetries int `mapstructure:"max_retries"`
}

type DeviceConfig struct {
	PushToken string `mapstructure:"push_token"`
}

func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("storage.driver", "redis")
	v.SetDefault("storage.key_prefix", "notify")
	v.SetDefault("storage.device_id", "default")
	v.SetDefault("storage.sqlite_dsn", "notify.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.exchange", "notifications.direct")
	v.SetDefault("rabbitmq.failed_queue", "failed.queue")
	v.SetDefault("rabbitmq.outcome_queue", "outcome.queue")

	v.SetDefault("socket.url", "")
	v.SetDefault("socket.reconnect_interval", "5s")
	v.SetDefault("socket.max_reconnect_attempts", 5)
	v.SetDefault("socket.ping_timeout", "5s")
	v.SetDefault("socket.ping_interval", "30s")
	v.SetDefault("socket.write_timeout", "10s")

	v.SetDefault("gateway_a.endpoint", "https://fcm.googleapis.com/fcm/send")
	v.SetDefault("gateway_a.batch_size", 500)
	v.SetDefault("gateway_a.timeout", "5s")

	v.SetDefault("gateway_b.endpoint", "https://api.push.apple.com")
	v.SetDefault("gateway_b.timeout", "5s")

	v.SetDefault("delivery.send_timeout", "10s")
	v.SetDefault("delivery.timezone", "Local")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.local_backstop", true)

	v.SetDefault("queue.interval", "30s")
	v.SetDefault("queue.max_retries", 3)
}

// Location resolves the timezone quiet hours are evaluated in.
func (d DeliveryConfig) Location() *time.Location {
	if d.Timezone == "" || d.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
