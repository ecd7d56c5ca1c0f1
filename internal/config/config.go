package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Insecure defaults that must never reach production.
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Providers      ProvidersConfig
	Containers     ContainersConfig
	Notifier       NotifierConfig
	Pipeline       PipelineConfig
	Otp            OtpConfig
	Ledger         LedgerConfig
	Ports          PortsConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

// ProvidersConfig holds per-market credentials and the default cascade.
type ProvidersConfig struct {
	SMSMarketURL    string
	SMSMarketAPIKey string
	FiveSimURL      string
	FiveSimAPIKey   string
	CascadeOrder    []string // provider names, tried in order
	DefaultCountry  string
	DefaultService  string
}

type ContainersConfig struct {
	ManagerURL   string
	AdminKey     string
	Image        string
	ReadyTimeout time.Duration
}

type NotifierConfig struct {
	URL string
}

// PipelineConfig bounds a single provisioning run. All values are knobs
// because the upstream flows disagreed on them; these are the defensive
// defaults.
type PipelineConfig struct {
	Deadline          time.Duration // end-to-end budget for one run
	InjectWaitTimeout time.Duration // parent wait on the inject job
	Workers           int           // pipeline queue concurrency (keep at 1)
	InjectWorkers     int
	QueueSize         int
}

type OtpConfig struct {
	WindowDuration time.Duration
	PollInterval   time.Duration
	MaxWindows     int
	CodeLength     int
}

type LedgerConfig struct {
	OrphanTTL time.Duration
}

type PortsConfig struct {
	Min int
	Max int
}

func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8006"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "provisioning"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Providers: ProvidersConfig{
			SMSMarketURL:    getEnv("SMSMARKET_URL", "https://smsmarket.example.com/stubs/handler_api.php"),
			SMSMarketAPIKey: getEnv("SMSMARKET_API_KEY", ""),
			FiveSimURL:      getEnv("FIVESIM_URL", "https://5sim.example.com/v1"),
			FiveSimAPIKey:   getEnv("FIVESIM_API_KEY", ""),
			CascadeOrder:    splitCSV(getEnv("PROVIDER_CASCADE_ORDER", "smsmarket,fivesim")),
			DefaultCountry:  getEnv("PROVIDER_DEFAULT_COUNTRY", "0"),
			DefaultService:  getEnv("PROVIDER_DEFAULT_SERVICE", "wa"),
		},
		Containers: ContainersConfig{
			ManagerURL:   getEnv("CONTAINER_MANAGER_URL", "http://localhost:8020"),
			AdminKey:     getEnv("CONTAINER_ADMIN_KEY", ""),
			Image:        getEnv("CONTAINER_IMAGE", "automation-agent:latest"),
			ReadyTimeout: getEnvDuration("CONTAINER_READY_TIMEOUT", 3*time.Minute),
		},
		Notifier: NotifierConfig{
			URL: getEnv("NOTIFIER_URL", "http://localhost:8007"),
		},
		Pipeline: PipelineConfig{
			Deadline:          getEnvDuration("PIPELINE_DEADLINE", 10*time.Minute),
			InjectWaitTimeout: getEnvDuration("INJECT_WAIT_TIMEOUT", 3*time.Minute),
			Workers:           getEnvInt("PIPELINE_WORKERS", 1),
			InjectWorkers:     getEnvInt("INJECT_WORKERS", 2),
			QueueSize:         getEnvInt("QUEUE_SIZE", 64),
		},
		Otp: OtpConfig{
			WindowDuration: getEnvDuration("OTP_WINDOW_DURATION", 60*time.Second),
			PollInterval:   getEnvDuration("OTP_POLL_INTERVAL", 5*time.Second),
			MaxWindows:     getEnvInt("OTP_MAX_WINDOWS", 3),
			CodeLength:     getEnvInt("OTP_CODE_LENGTH", 6),
		},
		Ledger: LedgerConfig{
			OrphanTTL: getEnvDuration("RESERVATION_ORPHAN_TTL", 20*time.Minute),
		},
		Ports: PortsConfig{
			Min: getEnvInt("AUTOMATION_PORT_MIN", 4700),
			Max: getEnvInt("AUTOMATION_PORT_MAX", 4899),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// Secrets are redacted from startup logging.
	log.Printf("[config] Provisioning Service loaded: port=%s db=%s/%s.%s containers=%s cascade=%s",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Containers.ManagerURL, strings.Join(cfg.Providers.CascadeOrder, ","))

	return cfg
}

// Validate checks that production deployments carry real secrets and sane
// pipeline bounds.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if len(c.Providers.CascadeOrder) == 0 {
		return fmt.Errorf("PROVIDER_CASCADE_ORDER must name at least one provider")
	}
	if c.Otp.MaxWindows < 1 {
		return fmt.Errorf("OTP_MAX_WINDOWS must be at least 1")
	}
	if c.Otp.PollInterval <= 0 || c.Otp.WindowDuration <= 0 {
		return fmt.Errorf("OTP poll interval and window duration must be positive")
	}
	if c.Pipeline.Workers < 1 || c.Pipeline.InjectWorkers < 1 {
		return fmt.Errorf("queue worker counts must be at least 1")
	}
	if c.Ports.Min <= 0 || c.Ports.Max < c.Ports.Min {
		return fmt.Errorf("automation port range is invalid: %d-%d", c.Ports.Min, c.Ports.Max)
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
