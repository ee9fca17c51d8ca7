// Package config holds the process-wide mutable caps that govern message
// sizes, rate limiting, and timeouts across the IPC server. Values are
// readable from any goroutine; writes are only safe between sessions
// (tests, or an explicit settings reload).
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Config is the central set of named runtime caps. All fields have
// compiled-in defaults and may be overridden by a config file or
// environment variables at Load time.
type Config struct {
	mu sync.RWMutex

	webSocketMaxMessageBytes int
	pipeMaxMessageBytes      int
	perSessionQueueCapBytes  int
	rateLimitPerSecond       int
	rateLimitBurst           int
	selectionNotificationCap int
	getMetadataMaxItems      int
	getMetadataTimeoutSec    int
	sendLoopIdleMs           int
}

const (
	defaultWebSocketMaxMessageBytes = 16 * 1 << 20
	defaultPipeMaxMessageBytes      = 10 * 1 << 20
	defaultPerSessionQueueCapBytes  = 2 * 1 << 20
	defaultRateLimitPerSecond       = 20
	defaultRateLimitBurst           = 60
	defaultSelectionNotificationCap = 200
	defaultGetMetadataMaxItems      = 500
	defaultGetMetadataTimeoutSec    = 30
	defaultSendLoopIdleMs           = 10

	envPrefix = "FILES_IPC"
)

// Default returns a Config populated with spec-mandated defaults.
func Default() *Config {
	return &Config{
		webSocketMaxMessageBytes: defaultWebSocketMaxMessageBytes,
		pipeMaxMessageBytes:      defaultPipeMaxMessageBytes,
		perSessionQueueCapBytes:  defaultPerSessionQueueCapBytes,
		rateLimitPerSecond:       defaultRateLimitPerSecond,
		rateLimitBurst:           defaultRateLimitBurst,
		selectionNotificationCap: defaultSelectionNotificationCap,
		getMetadataMaxItems:      defaultGetMetadataMaxItems,
		getMetadataTimeoutSec:    defaultGetMetadataTimeoutSec,
		sendLoopIdleMs:           defaultSendLoopIdleMs,
	}
}

// Load builds a Config from compiled-in defaults, an optional config file
// at configPath (ignored if missing; any other read or parse error is
// returned), and environment variables prefixed FILES_IPC_ (e.g.
// FILES_IPC_RATELIMITPERSECOND).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("websocketmaxmessagebytes", defaultWebSocketMaxMessageBytes)
	v.SetDefault("pipemaxmessagebytes", defaultPipeMaxMessageBytes)
	v.SetDefault("persessionqueuecapbytes", defaultPerSessionQueueCapBytes)
	v.SetDefault("ratelimitpersecond", defaultRateLimitPerSecond)
	v.SetDefault("ratelimitburst", defaultRateLimitBurst)
	v.SetDefault("selectionnotificationcap", defaultSelectionNotificationCap)
	v.SetDefault("getmetadatamaxitems", defaultGetMetadataMaxItems)
	v.SetDefault("getmetadatatimeoutsec", defaultGetMetadataTimeoutSec)
	v.SetDefault("sendloopidlems", defaultSendLoopIdleMs)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{
		webSocketMaxMessageBytes: v.GetInt("websocketmaxmessagebytes"),
		pipeMaxMessageBytes:      v.GetInt("pipemaxmessagebytes"),
		perSessionQueueCapBytes:  v.GetInt("persessionqueuecapbytes"),
		rateLimitPerSecond:       v.GetInt("ratelimitpersecond"),
		rateLimitBurst:           v.GetInt("ratelimitburst"),
		selectionNotificationCap: v.GetInt("selectionnotificationcap"),
		getMetadataMaxItems:      v.GetInt("getmetadatamaxitems"),
		getMetadataTimeoutSec:    v.GetInt("getmetadatatimeoutsec"),
		sendLoopIdleMs:           v.GetInt("sendloopidlems"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

func (c *Config) validate() error {
	if c.webSocketMaxMessageBytes <= 0 {
		return fmt.Errorf("config: WebSocketMaxMessageBytes must be positive")
	}
	if c.pipeMaxMessageBytes <= 0 {
		return fmt.Errorf("config: PipeMaxMessageBytes must be positive")
	}
	if c.rateLimitBurst <= 0 || c.rateLimitPerSecond <= 0 {
		return fmt.Errorf("config: rate limit values must be positive")
	}
	return nil
}

func (c *Config) WebSocketMaxMessageBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webSocketMaxMessageBytes
}

func (c *Config) SetWebSocketMaxMessageBytes(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webSocketMaxMessageBytes = v
}

func (c *Config) PipeMaxMessageBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pipeMaxMessageBytes
}

func (c *Config) SetPipeMaxMessageBytes(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeMaxMessageBytes = v
}

func (c *Config) PerSessionQueueCapBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perSessionQueueCapBytes
}

func (c *Config) SetPerSessionQueueCapBytes(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perSessionQueueCapBytes = v
}

func (c *Config) RateLimitPerSecond() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitPerSecond
}

func (c *Config) SetRateLimitPerSecond(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitPerSecond = v
}

func (c *Config) RateLimitBurst() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimitBurst
}

func (c *Config) SetRateLimitBurst(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitBurst = v
}

func (c *Config) SelectionNotificationCap() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selectionNotificationCap
}

func (c *Config) SetSelectionNotificationCap(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectionNotificationCap = v
}

func (c *Config) GetMetadataMaxItems() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getMetadataMaxItems
}

func (c *Config) SetGetMetadataMaxItems(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getMetadataMaxItems = v
}

func (c *Config) GetMetadataTimeoutSec() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getMetadataTimeoutSec
}

func (c *Config) SetGetMetadataTimeoutSec(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getMetadataTimeoutSec = v
}

func (c *Config) SendLoopIdleMs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendLoopIdleMs
}

func (c *Config) SetSendLoopIdleMs(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLoopIdleMs = v
}
