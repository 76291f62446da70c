package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the settings of the queue server
type ServerConfig struct {
	HTTPAddr           string          `yaml:"http_addr"`
	Database           DatabaseConfig  `yaml:"database"`
	JWTSecret          string          `yaml:"jwt_secret"`
	AgentToken         string          `yaml:"agent_token"`
	Extrato            ExtratoConfig   `yaml:"extrato"`
	Artifacts          ArtifactConfig  `yaml:"artifacts"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	AgentLeaseTimeout  time.Duration   `yaml:"agent_lease_timeout"`
	CORSAllowedOrigins []string        `yaml:"cors_allowed_origins"`
	Log                LogConfig       `yaml:"log"`
}

// DatabaseConfig selects and configures the job store
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath string `yaml:"sqlite_path"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	DBName     string `yaml:"name"`
	SSLMode    string `yaml:"sslmode"`
}

// ExtratoConfig holds job defaults and limits
type ExtratoConfig struct {
	DefaultPeriod   string `yaml:"default_period"`
	DefaultCustomer string `yaml:"default_customer"`
	ErrorMaxLen     int    `yaml:"error_max_len"`
	MaxPDFBytes     int64  `yaml:"max_pdf_bytes"`
}

// ArtifactConfig selects where PDFs are stored
type ArtifactConfig struct {
	Backend   string   `yaml:"backend"` // "fs" or "s3"
	OutputDir string   `yaml:"output_dir"`
	S3        S3Config `yaml:"s3"`
}

// S3Config holds the S3 compatible bucket settings
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// RateLimitConfig bounds job creation per requester
type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// LogConfig holds the logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig holds the settings of the worker
type AgentConfig struct {
	APIURL           string        `yaml:"api_url"`
	Token            string        `yaml:"token"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	GenerateTimeout  time.Duration `yaml:"generate_timeout"`
	FailMessageMax   int           `yaml:"fail_message_max"`
	GeneratorCommand string        `yaml:"generator_command"`
	PreCommand       string        `yaml:"pre_command"`
	ReportRetries    int           `yaml:"report_retries"`
	Log              LogConfig     `yaml:"log"`
}

// LoadServer reads the server settings from the environment, an optional .env file and an
// optional YAML overlay
func LoadServer(envFilePath, yamlPath string) (*ServerConfig, error) {
	if err := loadEnvFile(envFilePath); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "sqlite"),
			SQLitePath: getEnv("SQLITE_PATH", "./extrato.db"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "extrato"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "extrato"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
		},
		JWTSecret:  getEnv("JWT_SECRET", ""),
		AgentToken: getEnv("AGENT_TOKEN", ""),
		Extrato: ExtratoConfig{
			DefaultPeriod:   getEnv("EXTRATO_DEFAULT_PERIOD", "FEVEREIRO 2026"),
			DefaultCustomer: getEnv("EXTRATO_DEFAULT_CUSTOMER", "MERITO COMERCIO DE EQUIPAMENTOS LIM"),
			ErrorMaxLen:     getEnvAsInt("EXTRATO_ERROR_MAX_LEN", 1000),
			MaxPDFBytes:     int64(getEnvAsInt("EXTRATO_MAX_PDF_BYTES", 50<<20)),
		},
		Artifacts: ArtifactConfig{
			Backend:   getEnv("ARTIFACT_BACKEND", "fs"),
			OutputDir: getEnv("EXTRATO_OUTPUT_DIR", "./extratos"),
			S3: S3Config{
				Endpoint:  getEnv("S3_ENDPOINT", ""),
				Region:    getEnv("S3_REGION", "us-east-1"),
				Bucket:    getEnv("S3_BUCKET", ""),
				AccessKey: getEnv("S3_ACCESS_KEY", ""),
				SecretKey: getEnv("S3_SECRET_KEY", ""),
				Prefix:    getEnv("S3_PREFIX", "extratos/"),
			},
		},
		RateLimit: RateLimitConfig{
			Max:    getEnvAsInt("SUBMIT_RATE_LIMIT", 10),
			Window: getEnvAsDuration("SUBMIT_RATE_WINDOW", time.Minute),
		},
		AgentLeaseTimeout:  getEnvAsDuration("AGENT_LEASE_TIMEOUT", 0),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := overlayYAML(yamlPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every server command depends on
func (c *ServerConfig) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Artifacts.Backend {
	case "fs":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 artifact backend")
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_BACKEND %q", c.Artifacts.Backend)
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		return errors.New("SUBMIT_RATE_WINDOW must be positive when SUBMIT_RATE_LIMIT is set")
	}
	return nil
}

// LoadAgent reads the worker settings the same way as LoadServer
func LoadAgent(envFilePath, yamlPath string) (*AgentConfig, error) {
	if err := loadEnvFile(envFilePath); err != nil {
		return nil, err
	}

	cfg := &AgentConfig{
		APIURL:           getEnv("AGENT_API_URL", "http://localhost:8000"),
		Token:            getEnv("AGENT_TOKEN", ""),
		PollInterval:     time.Duration(getEnvAsInt("AGENT_POLL_SECONDS", 5)) * time.Second,
		GenerateTimeout:  getEnvAsDuration("AGENT_GENERATE_TIMEOUT", 10*time.Minute),
		FailMessageMax:   getEnvAsInt("AGENT_FAIL_MESSAGE_MAX", 900),
		GeneratorCommand: getEnv("AGENT_GENERATOR_COMMAND", ""),
		PreCommand:       getEnv("AGENT_PRE_COMMAND", ""),
		ReportRetries:    getEnvAsInt("AGENT_REPORT_RETRIES", 3),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := overlayYAML(yamlPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the worker cannot run without
func (c *AgentConfig) Validate() error {
	if c.Token == "" {
		return errors.New("AGENT_TOKEN is required")
	}
	if strings.TrimSpace(c.GeneratorCommand) == "" {
		return errors.New("AGENT_GENERATOR_COMMAND is required")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid AGENT_API_URL %q", c.APIURL)
	}
	if c.PollInterval <= 0 {
		return errors.New("AGENT_POLL_SECONDS must be positive")
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		// a missing .env is fine, the environment alone is enough
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	return nil
}

func overlayYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// getEnv returns the variable or defaultValue when it is unset
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "1m") or a plain number of seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
