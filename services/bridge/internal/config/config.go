package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gmailbridge/pkg/vault"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const envPrefix = "GMAIL_BRIDGE_"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	TokenKey            string `yaml:"tokenKey" validate:"required"`
	ASToken             string `yaml:"asToken" validate:"required"`
	HSToken             string `yaml:"hsToken" validate:"required"`
	DefaultEmailName    string `yaml:"defaultEmailName"`
	GmailRecheckSeconds int    `yaml:"gmailRecheckSeconds" validate:"gt=0"`
	BridgeID            string `yaml:"bridgeID" validate:"required"`
	BridgeURL           string `yaml:"bridgeURL" validate:"required,url"`
	Port                string `yaml:"port" validate:"required,numeric"`
	SenderLocalpart     string `yaml:"senderLocalpart" validate:"required"`
	NamespacePrefix     string `yaml:"namespacePrefix" validate:"required"`
	HomeserverURL       string `yaml:"homeserverURL" validate:"required,url"`
	HomeserverName      string `yaml:"homeserverName" validate:"required"`
	GmailClientID       string `yaml:"gmailClientID" validate:"required"`
	GmailClientSecret   string `yaml:"gmailClientSecret" validate:"required"`
	GmailProjectID      string `yaml:"gmailProjectID"`
	GmailRedirectURL    string `yaml:"gmailRedirectURL" validate:"required"`
	LogLevel            string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	StoreDriver         string `yaml:"storeDriver" validate:"oneof=memory redis sqlite postgres"`
	StoreDSN            string `yaml:"storeDSN" validate:"required_unless=StoreDriver memory"`
	RedisPassword       string `yaml:"redisPassword"`
	MetricsEnabled      *bool  `yaml:"metricsEnabled"`
	TokenRefreshCron    string `yaml:"tokenRefreshCron" validate:"required"`
}

// Load reads config from path (defaults to config.yaml). A .env file next
// to the process is loaded first when present; GMAIL_BRIDGE_* variables
// override file values.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"TOKEN_KEY":           &cfg.TokenKey,
		"AS_TOKEN":            &cfg.ASToken,
		"HS_TOKEN":            &cfg.HSToken,
		"DEFAULT_EMAIL_NAME":  &cfg.DefaultEmailName,
		"BRIDGE_URL":          &cfg.BridgeURL,
		"PORT":                &cfg.Port,
		"HOMESERVER_URL":      &cfg.HomeserverURL,
		"HOMESERVER_NAME":     &cfg.HomeserverName,
		"GMAIL_CLIENT_ID":     &cfg.GmailClientID,
		"GMAIL_CLIENT_SECRET": &cfg.GmailClientSecret,
		"GMAIL_PROJECT_ID":    &cfg.GmailProjectID,
		"LOG_LEVEL":           &cfg.LogLevel,
		"STORE_DRIVER":        &cfg.StoreDriver,
		"STORE_DSN":           &cfg.StoreDSN,
		"REDIS_PASSWORD":      &cfg.RedisPassword,
		"TOKEN_REFRESH_CRON":  &cfg.TokenRefreshCron,
	}
	for name, field := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*field = v
		}
	}
	if v := os.Getenv(envPrefix + "GMAIL_RECHECK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GmailRecheckSeconds = n
		}
	}
	if v := os.Getenv(envPrefix + "METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = &enabled
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	setDefault(&cfg.BridgeID, "gmail")
	setDefault(&cfg.BridgeURL, "http://localhost")
	setDefault(&cfg.Port, "8010")
	setDefault(&cfg.SenderLocalpart, "appservice-gmail")
	setDefault(&cfg.NamespacePrefix, "_gmail_bridge_")
	setDefault(&cfg.HomeserverURL, "http://localhost:8008")
	setDefault(&cfg.GmailRedirectURL, "urn:ietf:wg:oauth:2.0:oob")
	setDefault(&cfg.LogLevel, "info")
	setDefault(&cfg.StoreDriver, "sqlite")
	setDefault(&cfg.TokenRefreshCron, "@every 30m")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.StoreDriver == "sqlite" && cfg.StoreDSN == "" {
		cfg.StoreDSN = "gmail_bridge.db"
	}
	if cfg.GmailRecheckSeconds == 0 {
		cfg.GmailRecheckSeconds = 300
	}
	if cfg.MetricsEnabled == nil {
		enabled := true
		cfg.MetricsEnabled = &enabled
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
	return v
}

func validateConfig(cfg FileConfig) error {
	err := validate.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldError(fieldErrs[0])
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.TokenKeyBytes(); err != nil {
		return err
	}
	return nil
}

func fieldError(e validator.FieldError) error {
	key := e.Field()
	switch e.Tag() {
	case "required", "required_unless":
		return fmt.Errorf("config: %s is required (set in config.yaml or %s%s)", key, envPrefix, envName(key))
	case "oneof":
		return fmt.Errorf("config: %s must be one of %s", key, e.Param())
	default:
		return fmt.Errorf("config: %s is invalid (%s)", key, e.Tag())
	}
}

// envName maps a yaml key onto its environment variable suffix.
func envName(key string) string {
	var b strings.Builder
	for i, r := range key {
		if unicode.IsUpper(r) && i > 0 && unicode.IsLower(rune(key[i-1])) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// TokenKeyBytes decodes the vault key material.
func (c FileConfig) TokenKeyBytes() ([]byte, error) {
	key, err := vault.ParseKey(c.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("config: tokenKey: %w", err)
	}
	if len(key) < 16 {
		return nil, errors.New("config: tokenKey must decode to at least 16 bytes")
	}
	return key, nil
}

// Metrics reports whether /metrics is served.
func (c FileConfig) Metrics() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// BotID is the appservice account.
func (c FileConfig) BotID() string {
	return "@" + c.SenderLocalpart + ":" + c.HomeserverName
}
