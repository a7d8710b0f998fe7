package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL     string   `mapstructure:"REDIS_URL"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	ControlledTablePath string `mapstructure:"CONTROLLED_TABLE_PATH"`
	DefaultValidityDays int    `mapstructure:"PRESCRIPTION_DEFAULT_VALIDITY_DAYS"`

	VidaasBaseURL       string        `mapstructure:"VIDAAS_BASE_URL"`
	VidaasClientID      string        `mapstructure:"VIDAAS_CLIENT_ID"`
	VidaasClientSecret  string        `mapstructure:"VIDAAS_CLIENT_SECRET"`
	VidaasRedirectURI   string        `mapstructure:"VIDAAS_REDIRECT_URI"`
	SignatureSessionTTL time.Duration `mapstructure:"SIGNATURE_SESSION_TTL"`

	SequenceBackend      string `mapstructure:"SEQUENCE_BACKEND"`
	TISSEndpointTemplate string `mapstructure:"TISS_ENDPOINT_TEMPLATE"`
	TISSTransmitWorkers  int    `mapstructure:"TISS_TRANSMIT_WORKERS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"KAFKA_BROKERS", "CORS_ORIGINS", "JWT_SECRET", "JWT_ISSUER",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "CONTROLLED_TABLE_PATH",
	"PRESCRIPTION_DEFAULT_VALIDITY_DAYS", "VIDAAS_BASE_URL", "VIDAAS_CLIENT_ID",
	"VIDAAS_CLIENT_SECRET", "VIDAAS_REDIRECT_URI", "SIGNATURE_SESSION_TTL",
	"SEQUENCE_BACKEND", "TISS_ENDPOINT_TEMPLATE", "TISS_TRANSMIT_WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "atendebem")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("PRESCRIPTION_DEFAULT_VALIDITY_DAYS", 30)
	v.SetDefault("VIDAAS_BASE_URL", "https://certificado.vidaas.com.br")
	v.SetDefault("VIDAAS_REDIRECT_URI", "push://")
	v.SetDefault("SIGNATURE_SESSION_TTL", "10m")
	v.SetDefault("SEQUENCE_BACKEND", "postgres")
	v.SetDefault("TISS_TRANSMIT_WORKERS", 8)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

// splitList handles comma-separated env values that viper leaves as one element.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return current
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings the API server cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" && !c.IsDev() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.DefaultValidityDays <= 0 {
		return fmt.Errorf("PRESCRIPTION_DEFAULT_VALIDITY_DAYS must be positive, got %d", c.DefaultValidityDays)
	}
	if c.SignatureSessionTTL <= 0 {
		return fmt.Errorf("SIGNATURE_SESSION_TTL must be positive")
	}
	switch c.SequenceBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("SEQUENCE_BACKEND must be \"postgres\" or \"redis\", got %q", c.SequenceBackend)
	}
	if c.VidaasClientID != "" && c.VidaasClientSecret == "" {
		return fmt.Errorf("VIDAAS_CLIENT_SECRET is required when VIDAAS_CLIENT_ID is set")
	}
	return nil
}
