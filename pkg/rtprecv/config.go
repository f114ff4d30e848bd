package rtprecv

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/engine"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/sap"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/util"
)

var ErrInvalidConfig = errors.New("invalid config")

type ConfigManager struct {
	logger             *zap.SugaredLogger
	stopWatcherChannel chan bool
	stopOnce           sync.Once

	reloadConsumers []chan bool

	userConfig *viper.Viper
	filepath   string

	current Config
	lock    sync.RWMutex
}

type Config struct {
	// Sink is the destination every new session plays into
	Sink string `mapstructure:"sink"`

	SAPAddress string `mapstructure:"sap_address"`

	Engine string `mapstructure:"engine"`

	LatencyMsec int `mapstructure:"latency_msec"`

	// MetricsAddress enables the prometheus endpoint when set
	MetricsAddress string `mapstructure:"metrics_address"`
}

// IntendedLatency is the buffering target new sessions start from
func (c Config) IntendedLatency() time.Duration {
	return time.Duration(c.LatencyMsec) * time.Millisecond
}

// SAPEndpoint is the announcement group to listen on
func (c Config) SAPEndpoint() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.SAPAddress), Port: sap.Port}
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeySink           = "sink"
	configKeySAPAddress     = "sap_address"
	configKeyEngine         = "engine"
	configKeyLatencyMsec    = "latency_msec"
	configKeyMetricsAddress = "metrics_address"

	engineNamePulse = "pulse"
	engineNameNull  = "null"

	defaultLatencyMsec = 500
)

// NewConfig prepares a config manager for the file at path, or config.yaml
// in the working directory when path is empty
func NewConfig(logger *zap.SugaredLogger, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		filepath:           userConfigFilepath,
	}

	userConfig := viper.New()
	userConfig.SetConfigType(configType)

	if path != "" {
		userConfig.SetConfigFile(path)
		cc.filepath = path
	} else {
		userConfig.SetConfigName(userConfigName)
		userConfig.AddConfigPath(userConfigPath)
	}

	userConfig.SetDefault(configKeySink, engine.DefaultSinkName)
	userConfig.SetDefault(configKeySAPAddress, sap.DefaultAddress)
	userConfig.SetDefault(configKeyEngine, engineNamePulse)
	userConfig.SetDefault(configKeyLatencyMsec, defaultLatencyMsec)
	userConfig.SetDefault(configKeyMetricsAddress, "")

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.filepath)

	// make sure it exists
	if !util.FileExists(cc.filepath) {
		cc.logger.Warnw("Config file not found", "path", cc.filepath)
		return fmt.Errorf("config file doesn't exist: %s", cc.filepath)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)
		return fmt.Errorf("read user config: %w", err)
	}

	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	if err := next.validate(); err != nil {
		cc.logger.Warnw("Config failed validation", "error", err)
		return err
	}

	cc.lock.Lock()
	cc.current = next
	cc.lock.Unlock()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"sink", next.Sink,
		"sapAddress", next.SAPAddress,
		"engine", next.Engine,
		"latencyMsec", next.LatencyMsec,
		"metricsAddress", next.MetricsAddress)

	return nil
}

func (c Config) validate() error {
	if c.Sink == "" {
		return fmt.Errorf("%w: %s must be set", ErrInvalidConfig, configKeySink)
	}

	ip := net.ParseIP(c.SAPAddress)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("%w: %s %q is not a multicast address", ErrInvalidConfig, configKeySAPAddress, c.SAPAddress)
	}

	if c.Engine != engineNamePulse && c.Engine != engineNameNull {
		return fmt.Errorf("%w: unknown %s %q", ErrInvalidConfig, configKeyEngine, c.Engine)
	}

	if c.LatencyMsec <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, configKeyLatencyMsec)
	}

	return nil
}

// Current returns a copy of the last successfully loaded config
func (cc *ConfigManager) Current() Config {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.current
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
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.filepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// viper establishes the watch, our cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// many editors write the file twice
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents to disk
		<-time.After(delayBetweenEventAndReload)

		previous := cc.Current()

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.warnAboutRestartOnlyKeys(previous, cc.Current())
			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopOnce.Do(func() { close(cc.stopWatcherChannel) })
}

func (cc *ConfigManager) warnAboutRestartOnlyKeys(previous, next Config) {
	if previous.SAPAddress != next.SAPAddress {
		cc.logger.Warnw("Announcement address changed, restart to apply",
			"current", previous.SAPAddress,
			"configured", next.SAPAddress)
	}

	if previous.Engine != next.Engine {
		cc.logger.Warnw("Engine changed, restart to apply",
			"current", previous.Engine,
			"configured", next.Engine)
	}

	if previous.MetricsAddress != next.MetricsAddress {
		cc.logger.Warnw("Metrics address changed, restart to apply",
			"current", previous.MetricsAddress,
			"configured", next.MetricsAddress)
	}
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
