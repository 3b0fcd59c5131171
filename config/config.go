package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	LogLevel   string           `mapstructure:"log_level"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Correlator CorrelatorConfig `mapstructure:"correlator"`
}

type SecurityConfig struct {
	APIKeyHeader string            `mapstructure:"apiKeyHeader"`
	APIKeys      map[string]string `mapstructure:"apiKeys"`
}

type MonitoringConfig struct {
	PrometheusPort int    `mapstructure:"prometheusPort"`
	MetricsPath    string `mapstructure:"metricsPath"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type ServerConfig struct {
	Port int
	Host string
}

// ProviderConfig points at the external automation API.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"baseUrl"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

// DispatchConfig tunes the per-account dispatcher workers and the retry
// supervisor they share.
type DispatchConfig struct {
	WorkerCeiling    int           `mapstructure:"workerCeiling"`
	PollInterval     time.Duration `mapstructure:"pollInterval"`
	RetryBase        time.Duration `mapstructure:"retryBase"`
	RetryCap         time.Duration `mapstructure:"retryCap"`
	MaxAttempts      int           `mapstructure:"maxAttempts"`
	DispatchSLA      time.Duration `mapstructure:"dispatchSla"`
	CommandRetention time.Duration `mapstructure:"commandRetention"`
}

type CorrelatorConfig struct {
	FlushTimeout  time.Duration `mapstructure:"flushTimeout"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`

	// ReplayAge is how long an unprocessed stored event may sit before
	// the replayer pushes it back through the queue.
	ReplayAge time.Duration `mapstructure:"replayAge"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("monitoring.prometheusPort", 9090)
	viper.SetDefault("monitoring.metricsPath", "/metrics")
	viper.SetDefault("mongodb.database", "outreach")
	viper.SetDefault("rabbitmq.exchange", "webhook_events")
	viper.SetDefault("provider.requestTimeout", 30*time.Second)
	viper.SetDefault("dispatch.workerCeiling", 64)
	viper.SetDefault("dispatch.pollInterval", 5*time.Second)
	viper.SetDefault("dispatch.retryBase", time.Second)
	viper.SetDefault("dispatch.retryCap", 60*time.Second)
	viper.SetDefault("dispatch.maxAttempts", 5)
	viper.SetDefault("dispatch.dispatchSla", 48*time.Hour)
	viper.SetDefault("dispatch.commandRetention", 30*24*time.Hour)
	viper.SetDefault("correlator.flushTimeout", 10*time.Minute)
	viper.SetDefault("correlator.sweepInterval", time.Minute)
	viper.SetDefault("correlator.replayAge", 15*time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if port := os.Getenv("APP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if promPort := os.Getenv("PROMETHEUS_PORT"); promPort != "" {
		if p, err := strconv.Atoi(promPort); err == nil {
			cfg.Monitoring.PrometheusPort = p
		}
	}

	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		cfg.MongoDB.URI = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		cfg.MongoDB.Database = db
	}

	// Support both CLOUDAMQP_URL and RABBITMQ_URI for backwards compatibility
	if cloudamqpURL := os.Getenv("CLOUDAMQP_URL"); cloudamqpURL != "" {
		cfg.RabbitMQ.URL = cloudamqpURL
	} else if rabbitURL := os.Getenv("RABBITMQ_URI"); rabbitURL != "" {
		cfg.RabbitMQ.URL = rabbitURL
	}

	if exchange := os.Getenv("RABBITMQ_EXCHANGE"); exchange != "" {
		cfg.RabbitMQ.Exchange = exchange
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if base := os.Getenv("PROVIDER_BASE_URL"); base != "" {
		cfg.Provider.BaseURL = base
	}

	if header := os.Getenv("API_KEY_HEADER"); header != "" {
		cfg.Security.APIKeyHeader = header
	}
	if cfg.Security.APIKeyHeader == "" {
		cfg.Security.APIKeyHeader = "X-API-Key"
	}

	// Load API keys from environment
	if keys := loadAPIKeysFromEnv(); len(keys) > 0 {
		cfg.Security.APIKeys = keys
	}

	return &cfg, nil
}

func loadAPIKeysFromEnv() map[string]string {
	apiKeys := make(map[string]string)

	// Collaborator API keys follow the pattern CLIENT_NAME_API_KEY.
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}

		envName := parts[0]
		if strings.HasSuffix(envName, "_API_KEY") {
			clientName := strings.ToLower(strings.TrimSuffix(envName, "_API_KEY"))
			apiKeys[clientName] = parts[1]
		}
	}

	return apiKeys
}
