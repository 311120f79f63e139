package statusd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	path       string
	userConfig *viper.Viper

	mu      sync.RWMutex
	current Config
}

// Config is the decoded user configuration.
type Config struct {
	Modules []string `mapstructure:"modules"`

	DisableTray   bool `mapstructure:"disable_tray"`
	Notifications bool `mapstructure:"notifications"`

	Audio     AudioConfig     `mapstructure:"audio"`
	Network   NetworkConfig   `mapstructure:"network"`
	Power     PowerConfig     `mapstructure:"power"`
	Backlight BacklightConfig `mapstructure:"backlight"`
	Mako      MakoConfig      `mapstructure:"mako"`
	Process   ProcessConfig   `mapstructure:"process"`
}

type AudioConfig struct {
	// Backend is pipewire, pulse or auto.
	Backend string `mapstructure:"backend"`
	Remote  string `mapstructure:"remote"`
}

type NetworkConfig struct {
	WirelessStrength bool `mapstructure:"wireless_strength"`
	CellularStrength bool `mapstructure:"cellular_strength"`
}

type PowerConfig struct {
	AC          string   `mapstructure:"ac"`
	Batteries   []string `mapstructure:"batteries"`
	PollSeconds int      `mapstructure:"poll_seconds"`
	LowBattery  float64  `mapstructure:"low_battery"`
}

type BacklightConfig struct {
	Device string `mapstructure:"device"`
}

type MakoConfig struct {
	Modes   []string `mapstructure:"modes"`
	DndMode string   `mapstructure:"dnd_mode"`
}

type ProcessConfig struct {
	PollSeconds int         `mapstructure:"poll_seconds"`
	Indicators  []Indicator `mapstructure:"indicators"`
}

// Indicator names a process recognized by the start of its command line.
type Indicator struct {
	Cmdline string `mapstructure:"cmdline"`
	Label   string `mapstructure:"label"`
}

const (
	configFilename = "statusd.toml"
	configType     = "toml"
	configEnv      = "STATUSD_CONFIG"

	ModuleAudio     = "audio"
	ModuleNetwork   = "network"
	ModulePower     = "power"
	ModuleBacklight = "backlight"
	ModuleMako      = "mako"
	ModuleProcess   = "process"

	AudioBackendPipeWire = "pipewire"
	AudioBackendPulse    = "pulse"
	AudioBackendAuto     = "auto"
)

// ConfigPath resolves $STATUSD_CONFIG, then the XDG config directory.
func ConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, configFilename)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", configFilename)
	}

	return configFilename
}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if path == "" {
		path = ConfigPath()
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool, 1),
		path:               path,
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(path)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault("modules", []string{ModulePower, ModuleAudio, ModuleNetwork})
	userConfig.SetDefault("disable_tray", false)
	userConfig.SetDefault("notifications", true)
	userConfig.SetDefault("audio.backend", AudioBackendPipeWire)
	userConfig.SetDefault("network.wireless_strength", true)
	userConfig.SetDefault("network.cellular_strength", true)
	userConfig.SetDefault("power.poll_seconds", 30)
	userConfig.SetDefault("power.low_battery", 0.1)
	userConfig.SetDefault("mako.dnd_mode", "do-not-disturb")
	userConfig.SetDefault("mako.modes", []string{"do-not-disturb"})
	userConfig.SetDefault("process.poll_seconds", 600)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Path is the file the configuration is read from.
func (cc *ConfigManager) Path() string {
	return cc.path
}

// Current returns a copy of the loaded configuration.
func (cc *ConfigManager) Current() Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.current
}

// Load reads the config file. A missing file leaves every value at its
// default.
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	if util.FileExists(cc.path) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is valid TOML.", cc.path))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check statusd's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Infow("Config file not found, using defaults", "path", cc.path)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"modules", current.Modules,
		"audioBackend", current.Audio.Backend,
		"disableTray", current.DisableTray)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !util.FileExists(cc.path) {
		cc.logger.Debugw("Not watching absent config file", "path", cc.path)
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()

		// editors tend to write twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Module changes apply after a restart.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var decoded Config

	err := cc.userConfig.Unmarshal(&decoded, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if err := decoded.validate(); err != nil {
		return err
	}

	cc.mu.Lock()
	cc.current = decoded
	cc.mu.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (c Config) validate() error {
	switch c.Audio.Backend {
	case AudioBackendPipeWire, AudioBackendPulse, AudioBackendAuto:
	default:
		return fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
	}

	if c.Power.PollSeconds <= 0 {
		return fmt.Errorf("power.poll_seconds must be positive, got %d", c.Power.PollSeconds)
	}
	if c.Process.PollSeconds <= 0 {
		return fmt.Errorf("process.poll_seconds must be positive, got %d", c.Process.PollSeconds)
	}
	if c.Power.LowBattery < 0 || c.Power.LowBattery > 1 {
		return fmt.Errorf("power.low_battery must be within 0 and 1, got %v", c.Power.LowBattery)
	}

	return nil
}

// Enabled reports whether module is listed.
func (c Config) Enabled(module string) bool {
	return funk.ContainsString(c.Modules, module)
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
