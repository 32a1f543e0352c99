package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Calendar      CalendarConfig     `mapstructure:"calendar"`
	Detection     DetectionConfig    `mapstructure:"detection"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

type CalendarConfig struct {
	LookaheadHours      int `mapstructure:"lookahead_hours"`
	SyncWindowDays      int `mapstructure:"sync_window_days"`
	SyncIntervalMinutes int `mapstructure:"sync_interval_minutes"`
}

type DetectionConfig struct {
	ProcessDetection      bool     `mapstructure:"process_detection"`
	AudioDetection        bool     `mapstructure:"audio_detection"`
	ProcessNames          []string `mapstructure:"process_names"`
	PollIntervalSeconds   int      `mapstructure:"poll_interval_seconds"`
	AudioSustainSeconds   int      `mapstructure:"audio_sustain_seconds"`
	CooldownMinutes       int      `mapstructure:"cooldown_minutes"`
	ImminentWindowMinutes int      `mapstructure:"imminent_window_minutes"`
}

type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaultConfig = Config{
	Calendar: CalendarConfig{
		LookaheadHours:      24,
		SyncWindowDays:      7,
		SyncIntervalMinutes: 5,
	},
	Detection: DetectionConfig{
		ProcessDetection:      true,
		AudioDetection:        true,
		ProcessNames:          []string{"zoom", "teams", "webex", "meet", "skype"},
		PollIntervalSeconds:   5,
		AudioSustainSeconds:   30,
		CooldownMinutes:       30,
		ImminentWindowMinutes: 5,
	},
	Notifications: NotificationConfig{
		Enabled: true,
	},
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigName("config")

	if configPath == "" {
		configDir, err := getDefaultConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		configPath = configDir
	}

	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// If config file doesn't exist, create it with defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := createDefaultConfig(configPath); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
			if err := v.ReadInConfig(); err != nil {
				// If it still fails, just use defaults
				cfg := defaultConfig
				return &cfg, nil
			}
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Lookahead returns the scheduler lookahead window.
func (c *CalendarConfig) Lookahead() time.Duration {
	return time.Duration(c.LookaheadHours) * time.Hour
}

// SyncWindow returns the full-resync window used when no sync cursor exists.
func (c *CalendarConfig) SyncWindow() time.Duration {
	return time.Duration(c.SyncWindowDays) * 24 * time.Hour
}

// SyncInterval returns the periodic background sync interval.
func (c *CalendarConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// Cooldown returns the per-source dismissal cooldown.
func (d *DetectionConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownMinutes) * time.Minute
}

// ImminentWindow returns how far ahead an event counts as imminent.
func (d *DetectionConfig) ImminentWindow() time.Duration {
	return time.Duration(d.ImminentWindowMinutes) * time.Minute
}

// PollInterval returns the signal source polling interval.
func (d *DetectionConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// AudioSustain returns how long audio must stay active before it counts
// as a sustained-audio signal.
func (d *DetectionConfig) AudioSustain() time.Duration {
	return time.Duration(d.AudioSustainSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("calendar.lookahead_hours", defaultConfig.Calendar.LookaheadHours)
	v.SetDefault("calendar.sync_window_days", defaultConfig.Calendar.SyncWindowDays)
	v.SetDefault("calendar.sync_interval_minutes", defaultConfig.Calendar.SyncIntervalMinutes)

	v.SetDefault("detection.process_detection", defaultConfig.Detection.ProcessDetection)
	v.SetDefault("detection.audio_detection", defaultConfig.Detection.AudioDetection)
	v.SetDefault("detection.process_names", defaultConfig.Detection.ProcessNames)
	v.SetDefault("detection.poll_interval_seconds", defaultConfig.Detection.PollIntervalSeconds)
	v.SetDefault("detection.audio_sustain_seconds", defaultConfig.Detection.AudioSustainSeconds)
	v.SetDefault("detection.cooldown_minutes", defaultConfig.Detection.CooldownMinutes)
	v.SetDefault("detection.imminent_window_minutes", defaultConfig.Detection.ImminentWindowMinutes)

	v.SetDefault("notifications.enabled", defaultConfig.Notifications.Enabled)
}

func createDefaultConfig(configPath string) error {
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configPath, "config.toml")

	if _, err := os.Stat(configFile); err == nil {
		return nil // Already exists
	}

	configContent := `# openwhisprd configuration

[calendar]
lookahead_hours = 24       # how far ahead the scheduler looks for meetings
sync_window_days = 7       # full-resync window when no sync cursor exists
sync_interval_minutes = 5  # background sync interval

[detection]
process_detection = true
audio_detection = true
process_names = ["zoom", "teams", "webex", "meet", "skype"]
poll_interval_seconds = 5
audio_sustain_seconds = 30
cooldown_minutes = 30        # ignore a source this long after dismissal
imminent_window_minutes = 5  # events starting within this window are "imminent"

[notifications]
enabled = true
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func getDefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "openwhisprd"), nil
}
