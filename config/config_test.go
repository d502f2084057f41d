package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	afs := afero.NewMemMapFs()

	cfg, err := LoadConfig(afs, "./nonexistent.hjson")
	require.NoError(t, err, "loading without a config file must fall back to defaults")

	assert.Equal(t, 2, cfg.Detection.ConcurrentWindow)
	assert.Equal(t, 30, cfg.Detection.TriggerPeriod)
	assert.Equal(t, 5, cfg.Detection.TriggerCount)
	assert.Equal(t, 300, cfg.Detection.BanlistThreshold)
	assert.False(t, cfg.Detection.SubnetGrouping)
	assert.Equal(t, 300, cfg.Detection.DataRetention)
	assert.Equal(t, 300, cfg.Detection.PanelReloadInterval)
	assert.Equal(t, 300, cfg.Notification.Interval)
	assert.Equal(t, 3600, cfg.Notification.BanlistTTL)
	assert.Equal(t, 9999, cfg.Env.TCPPort)
	assert.Equal(t, 8080, cfg.Env.APIPort)
}

func TestLoadConfigFromFile(t *testing.T) {
	afs := afero.NewMemMapFs()

	contents := `{
		detection: {
			concurrent_window: 5
			trigger_period: 60
			trigger_count: 3
			subnet_grouping: true
			whitelist_emails: ["admin", "probe-account"]
		}
		notification: {
			interval: 120
		}
	}`
	require.NoError(t, afero.WriteFile(afs, "./config.hjson", []byte(contents), 0o644))

	cfg, err := LoadConfig(afs, "./config.hjson")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Detection.ConcurrentWindow)
	assert.Equal(t, 60, cfg.Detection.TriggerPeriod)
	assert.Equal(t, 3, cfg.Detection.TriggerCount)
	assert.True(t, cfg.Detection.SubnetGrouping)
	assert.Equal(t, []string{"admin", "probe-account"}, cfg.Detection.WhitelistEmails)
	assert.Equal(t, 120, cfg.Notification.Interval)
	// sections absent from the file keep their defaults
	assert.Equal(t, 300, cfg.Detection.BanlistThreshold)
	assert.Equal(t, 3600, cfg.Notification.BanlistTTL)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	afs := afero.NewMemMapFs()

	contents := `{
		detection: {
			concurrent_window: 5
			trigger_count: 3
		}
	}`
	require.NoError(t, afero.WriteFile(afs, "./config.hjson", []byte(contents), 0o644))

	t.Setenv("CONCURRENT_WINDOW", "10")
	t.Setenv("SUBNET_GROUPING", "true")
	t.Setenv("TCP_PORT", "7777")
	t.Setenv("WHITELIST_EMAILS", "a@x, b@x,,c@x")

	cfg, err := LoadConfig(afs, "./config.hjson")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Detection.ConcurrentWindow, "env must win over the file")
	assert.Equal(t, 3, cfg.Detection.TriggerCount, "file value must survive when no env is set")
	assert.True(t, cfg.Detection.SubnetGrouping)
	assert.Equal(t, 7777, cfg.Env.TCPPort)
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, cfg.Detection.WhitelistEmails)
}

func TestLoadConfigBadEnvInt(t *testing.T) {
	afs := afero.NewMemMapFs()

	t.Setenv("TRIGGER_COUNT", "lots")

	_, err := LoadConfig(afs, "./nonexistent.hjson")
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalidEnvInt)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	afs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(afs, "./config.hjson", []byte("{ detection: [ broken"), 0o644))

	_, err := LoadConfig(afs, "./config.hjson")
	require.Error(t, err)
	assert.ErrorIs(t, err, errReadingConfigFile)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			mutate:  func(_ *Config) {},
			wantErr: false,
		},
		{
			name:    "zero trigger count",
			mutate:  func(cfg *Config) { cfg.Detection.TriggerCount = 0 },
			wantErr: true,
		},
		{
			name:    "out of range tcp port",
			mutate:  func(cfg *Config) { cfg.Env.TCPPort = 70000 },
			wantErr: true,
		},
		{
			name:    "negative notification interval",
			mutate:  func(cfg *Config) { cfg.Notification.Interval = -1 },
			wantErr: true,
		},
		{
			name:    "whitelist entry with embedded space",
			mutate:  func(cfg *Config) { cfg.Detection.WhitelistEmails = []string{"a b"} },
			wantErr: true,
		},
		{
			name:    "bad panel url",
			mutate:  func(cfg *Config) { cfg.Env.PanelURL = "not a url" },
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			test.mutate(&cfg)
			err := cfg.Validate()
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitWhitelist(t *testing.T) {
	assert.Nil(t, SplitWhitelist(""))
	assert.Equal(t, []string{"a@x"}, SplitWhitelist("a@x"))
	assert.Equal(t, []string{"a@x", "b@x"}, SplitWhitelist(" a@x ,b@x, "))
}

func TestIsWhitelisted(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Detection.WhitelistEmails = []string{"a@x"}
	assert.True(t, cfg.IsWhitelisted("a@x"))
	assert.False(t, cfg.IsWhitelisted("b@x"))
}
