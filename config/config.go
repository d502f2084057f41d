package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/banhammer/banhammer/logger"
	"github.com/banhammer/banhammer/util"
	"github.com/go-playground/validator/v10"

	"github.com/hjson/hjson-go/v4"
	"github.com/spf13/afero"
)

var Version string

const DefaultConfigPath = "./config.hjson"

var errReadingConfigFile = errors.New("encountered an error while reading the config file")
var errInvalidEnvInt = errors.New("environment variable is not a valid integer")

type (
	Config struct {
		Env          Env          `json:"env" validate:"required"`
		Detection    Detection    `json:"detection" validate:"required"`
		Notification Notification `json:"notification" validate:"required"`
	}

	Env struct { // set by environment variables / .env file
		TCPHost          string `validate:"required"`        // TCP_HOST
		TCPPort          int    `validate:"gte=1,lte=65535"` // TCP_PORT
		APIHost          string `validate:"required"`        // API_HOST
		APIPort          int    `validate:"gte=1,lte=65535"` // API_PORT
		APIToken         string `json:"-"`                   // API_TOKEN, empty disables API auth
		PanelURL         string `validate:"omitempty,url"`   // PANEL_URL
		PanelToken       string `json:"-"`                   // PANEL_TOKEN
		DatabasePath     string // DATABASE_PATH, empty disables the ban-list sink
		TelegramBotToken string `json:"-"` // TELEGRAM_BOT_TOKEN
		TelegramChatID   string `json:"-"` // TELEGRAM_CHAT_ID
	}

	Detection struct {
		ConcurrentWindow    int      `json:"concurrent_window" validate:"gte=1,lte=3600"`
		TriggerPeriod       int      `json:"trigger_period" validate:"gte=1,lte=86400"`
		TriggerCount        int      `json:"trigger_count" validate:"gte=1,lte=1000"`
		BanlistThreshold    int      `json:"banlist_threshold" validate:"gte=1,lte=86400"`
		SubnetGrouping      bool     `json:"subnet_grouping" validate:"boolean"`
		DataRetention       int      `json:"data_retention" validate:"gte=1,lte=86400"`
		PanelReloadInterval int      `json:"panel_reload_interval" validate:"gte=1,lte=86400"`
		WhitelistEmails     []string `json:"whitelist_emails" validate:"omitempty,dive,account_id"`
	}

	Notification struct {
		Interval   int `json:"interval" validate:"gte=0,lte=86400"`
		BanlistTTL int `json:"banlist_ttl" validate:"gte=0"`
	}
)

// LoadConfig builds the runtime configuration: defaults, overlaid with the
// optional hjson config file at path, overlaid with environment variables.
// Environment variables win for every knob they name. A missing config file
// is not an error; a malformed one is.
func LoadConfig(afs afero.Fs, path string) (*Config, error) {
	cfg := GetDefaultConfig()

	contents, err := util.GetFileContents(afs, path)
	switch {
	case err == nil:
		if err := hjson.Unmarshal(contents, &cfg); err != nil {
			return nil, fmt.Errorf("%w, located at '%s', please correct the issue in the config and try again:\n\t- %w", errReadingConfigFile, path, err)
		}
	case errors.Is(err, util.ErrFileDoesNotExist), errors.Is(err, util.ErrInvalidPath):
		// run entirely from defaults + environment
	default:
		return nil, fmt.Errorf("%w, located at '%s': %w", errReadingConfigFile, path, err)
	}

	if err := cfg.setEnv(); err != nil {
		return nil, fmt.Errorf("unable to set environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setEnv overlays environment variables onto the config. Only variables that
// are actually set override file/default values.
func (c *Config) setEnv() error {
	c.Env.TCPHost = envString("TCP_HOST", c.Env.TCPHost)
	c.Env.APIHost = envString("API_HOST", c.Env.APIHost)
	c.Env.APIToken = envString("API_TOKEN", c.Env.APIToken)
	c.Env.PanelURL = envString("PANEL_URL", c.Env.PanelURL)
	c.Env.PanelToken = envString("PANEL_TOKEN", c.Env.PanelToken)
	c.Env.DatabasePath = envString("DATABASE_PATH", c.Env.DatabasePath)
	c.Env.TelegramBotToken = envString("TELEGRAM_BOT_TOKEN", c.Env.TelegramBotToken)
	c.Env.TelegramChatID = envString("TELEGRAM_CHAT_ID", c.Env.TelegramChatID)

	var err error
	if c.Env.TCPPort, err = envInt("TCP_PORT", c.Env.TCPPort); err != nil {
		return err
	}
	if c.Env.APIPort, err = envInt("API_PORT", c.Env.APIPort); err != nil {
		return err
	}
	if c.Detection.ConcurrentWindow, err = envInt("CONCURRENT_WINDOW", c.Detection.ConcurrentWindow); err != nil {
		return err
	}
	if c.Detection.TriggerPeriod, err = envInt("TRIGGER_PERIOD", c.Detection.TriggerPeriod); err != nil {
		return err
	}
	if c.Detection.TriggerCount, err = envInt("TRIGGER_COUNT", c.Detection.TriggerCount); err != nil {
		return err
	}
	if c.Detection.BanlistThreshold, err = envInt("BANLIST_THRESHOLD_SECONDS", c.Detection.BanlistThreshold); err != nil {
		return err
	}
	if c.Detection.DataRetention, err = envInt("DATA_RETENTION_SECONDS", c.Detection.DataRetention); err != nil {
		return err
	}
	if c.Detection.PanelReloadInterval, err = envInt("PANEL_RELOAD_INTERVAL", c.Detection.PanelReloadInterval); err != nil {
		return err
	}
	if c.Notification.Interval, err = envInt("NOTIFICATION_INTERVAL", c.Notification.Interval); err != nil {
		return err
	}
	if c.Notification.BanlistTTL, err = envInt("BANLIST_TTL_SECONDS", c.Notification.BanlistTTL); err != nil {
		return err
	}

	c.Detection.SubnetGrouping = envBool("SUBNET_GROUPING", c.Detection.SubnetGrouping)

	if whitelist, ok := os.LookupEnv("WHITELIST_EMAILS"); ok {
		c.Detection.WhitelistEmails = SplitWhitelist(whitelist)
	}

	return nil
}

// SplitWhitelist parses a comma-separated whitelist value, dropping empty items
func SplitWhitelist(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IsWhitelisted returns true if the given account email is exempt from detection
func (c *Config) IsWhitelisted(email string) bool {
	for _, entry := range c.Detection.WhitelistEmails {
		if entry == email {
			return true
		}
	}
	return false
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", errInvalidEnvInt, key, value)
	}
	return parsed, nil
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// GetDefaultConfig returns a Config object with default values
func GetDefaultConfig() Config {
	// set version to dev if not set
	if Version == "" {
		Version = "dev"
	}

	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Env: Env{
			TCPHost:  "0.0.0.0",
			TCPPort:  9999,
			APIHost:  "0.0.0.0",
			APIPort:  8080,
			PanelURL: "http://127.0.0.1:3000",
		},
		Detection: Detection{
			ConcurrentWindow:    2,
			TriggerPeriod:       30,
			TriggerCount:        5,
			BanlistThreshold:    300,
			SubnetGrouping:      false,
			DataRetention:       300,
			PanelReloadInterval: 300,
		},
		Notification: Notification{
			Interval:   300,
			BanlistTTL: 3600,
		},
	}
}

// Reset resets the config values to default
// note: Env values are not reset
func (cfg *Config) Reset() error {
	// store the environment values before resetting
	env := cfg.Env

	newConfig := GetDefaultConfig()

	*cfg = newConfig
	cfg.Env = env

	if err := cfg.Validate(); err != nil {
		return err
	}

	return nil
}

// Validate validates the config struct values
func (cfg *Config) Validate() error {
	zlog := logger.GetLogger()
	zlog.Debug().Interface("config", cfg).Msg("validating config")

	validate, err := NewValidator()
	if err != nil {
		return err
	}

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	return nil
}

// NewValidator creates a new validator with custom validation rules
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// whitelist entries are panel account identifiers: non-empty,
	// no embedded whitespace or commas
	if err := v.RegisterValidation("account_id", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		if value == "" {
			return false
		}
		return !strings.ContainsAny(value, ", \t\n")
	}); err != nil {
		return nil, err
	}

	return v, nil
}
