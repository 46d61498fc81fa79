// Package config implements configuration loading for the forooshyar
// analysis engine. Configs can be set through a yaml file, environment
// variables (FOROOSHYAR_ prefix) or command line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "FOROOSHYAR"

// RedisConfig defines configs related to Redis.
type RedisConfig struct {
	Address              string
	Password             string
	Database             int
	UseTLS               bool          `yaml:"use_tls"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	KeepAlive            time.Duration `yaml:"keep_alive"`
	ConnectRetryAttempts int           `yaml:"connect_retry_attempts"`
}

// AnalysisConfig defines configs related to what an analysis run covers.
type AnalysisConfig struct {
	// Enabled is the feature gate; StartJob refuses to run when false.
	Enabled bool
	// MaxEntitiesPerKind clamps the caller-supplied per-class queue limit.
	MaxEntitiesPerKind int `yaml:"max_entities_per_kind"`
}

// BatchConfig defines configs for the time-boxed batch processor.
type BatchConfig struct {
	MaxItemsPerRun   int           `yaml:"max_items_per_run"`
	RunBudget        time.Duration `yaml:"run_budget"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	RescheduleDelay  time.Duration `yaml:"reschedule_delay"`
	// RetryBuffer is added on top of a rate-limit retry-after when
	// rescheduling a denied batch.
	RetryBuffer time.Duration `yaml:"retry_buffer"`
}

// ActionsConfig defines configs for auto-execution of derived actions on
// job completion.
type ActionsConfig struct {
	AutoExecute      bool `yaml:"auto_execute"`
	AutoExecuteLimit int  `yaml:"auto_execute_limit"`
	MinPriority      int  `yaml:"min_priority"`
}

// RateLimitConfig defines the hourly and daily admission caps in front of
// the external analysis API.
type RateLimitConfig struct {
	HourlyLimit int `yaml:"hourly_limit"`
	DailyLimit  int `yaml:"daily_limit"`
}

// CircuitBreakerConfig defines configs for the per-operation fault
// isolator.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls uint32        `yaml:"half_open_max_calls"`
	// StateTTL evicts an inactive per-operation breaker, which is
	// equivalent to resetting it to closed.
	StateTTL time.Duration `yaml:"state_ttl"`
}

// LoggingConfig defines configs related to logging.
type LoggingConfig struct {
	Debug bool
	JSON  bool
}

// ForooshyarConfig stores the application configuration.
type ForooshyarConfig struct {
	Redis     RedisConfig
	Analysis  AnalysisConfig
	Batch     BatchConfig
	Actions   ActionsConfig
	RateLimit RateLimitConfig      `yaml:"ratelimit"`
	CBreaker  CircuitBreakerConfig `yaml:"cbreaker"`
	Logging   LoggingConfig
}

// Manager manages the addition and retrieval of config values for
// forooshyar commands. Its only public API method is LoadConfig, which
// will return the populated ForooshyarConfig struct.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra command.
// All config flags will be attached to that command (and inherited by the
// subcommands). Typically this should be called just once, with the root
// command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

func (man Manager) addConfigs() {
	man.addConfigString("redis.address", "localhost:6379", "Redis server address (host:port)")
	man.addConfigString("redis.password", "", "Redis server password (prefer env variable for security)")
	man.addConfigInt("redis.database", 0, "Redis server database number")
	man.addConfigBool("redis.use_tls", false, "Redis server enable TLS")
	man.addConfigDuration("redis.connect_timeout", 5*time.Second, "Timeout at connection time")
	man.addConfigDuration("redis.keep_alive", 10*time.Second, "Interval between keep alive probes")
	man.addConfigInt("redis.connect_retry_attempts", 3, "Number of attempts to retry a failed connection at startup")

	man.addConfigBool("analysis.enabled", true, "Allow analysis runs to be started")
	man.addConfigInt("analysis.max_entities_per_kind", 500, "Maximum entity ids enqueued per entity class")

	man.addConfigInt("batch.max_items_per_run", 10, "Maximum units of work per batch invocation")
	man.addConfigDuration("batch.run_budget", 20*time.Second, "Wall-clock budget per batch invocation")
	man.addConfigDuration("batch.stale_threshold", 120*time.Second, "Age of the last persisted update after which a running job is considered stale")
	man.addConfigDuration("batch.liveness_interval", 30*time.Second, "Interval of the recurring liveness probe")
	man.addConfigDuration("batch.reschedule_delay", time.Second, "Delay before the follow-up batch invocation")
	man.addConfigDuration("batch.retry_buffer", 5*time.Second, "Safety buffer added to rate-limit retry delays")

	man.addConfigBool("actions.auto_execute", true, "Auto-execute high priority derived actions on completion")
	man.addConfigInt("actions.auto_execute_limit", 10, "Maximum derived actions auto-executed per run")
	man.addConfigInt("actions.min_priority", 8, "Minimum priority for a derived action to be auto-executed")

	man.addConfigInt("ratelimit.hourly_limit", 100, "Maximum analysis API calls per hour")
	man.addConfigInt("ratelimit.daily_limit", 1000, "Maximum analysis API calls per day")

	man.addConfigInt("cbreaker.failure_threshold", 5, "Consecutive failures before a circuit opens")
	man.addConfigDuration("cbreaker.recovery_timeout", time.Minute, "Time an open circuit waits before allowing recovery probes")
	man.addConfigInt("cbreaker.half_open_max_calls", 1, "Probe calls allowed while a circuit is half-open")
	man.addConfigDuration("cbreaker.state_ttl", time.Hour, "Inactivity TTL after which a circuit resets to closed")

	man.addConfigBool("logging.debug", false, "Enable debug logging")
	man.addConfigBool("logging.json", false, "Log in JSON format")
}

// LoadConfig will load the config variables into a fully initialized
// ForooshyarConfig struct.
func (man Manager) LoadConfig() ForooshyarConfig {
	man.loadConfigFile()

	return ForooshyarConfig{
		Redis: RedisConfig{
			Address:              man.getConfigString("redis.address"),
			Password:             man.getConfigString("redis.password"),
			Database:             man.getConfigInt("redis.database"),
			UseTLS:               man.getConfigBool("redis.use_tls"),
			ConnectTimeout:       man.getConfigDuration("redis.connect_timeout"),
			KeepAlive:            man.getConfigDuration("redis.keep_alive"),
			ConnectRetryAttempts: man.getConfigInt("redis.connect_retry_attempts"),
		},
		Analysis: AnalysisConfig{
			Enabled:            man.getConfigBool("analysis.enabled"),
			MaxEntitiesPerKind: man.getConfigInt("analysis.max_entities_per_kind"),
		},
		Batch: BatchConfig{
			MaxItemsPerRun:   man.getConfigInt("batch.max_items_per_run"),
			RunBudget:        man.getConfigDuration("batch.run_budget"),
			StaleThreshold:   man.getConfigDuration("batch.stale_threshold"),
			LivenessInterval: man.getConfigDuration("batch.liveness_interval"),
			RescheduleDelay:  man.getConfigDuration("batch.reschedule_delay"),
			RetryBuffer:      man.getConfigDuration("batch.retry_buffer"),
		},
		Actions: ActionsConfig{
			AutoExecute:      man.getConfigBool("actions.auto_execute"),
			AutoExecuteLimit: man.getConfigInt("actions.auto_execute_limit"),
			MinPriority:      man.getConfigInt("actions.min_priority"),
		},
		RateLimit: RateLimitConfig{
			HourlyLimit: man.getConfigInt("ratelimit.hourly_limit"),
			DailyLimit:  man.getConfigInt("ratelimit.daily_limit"),
		},
		CBreaker: CircuitBreakerConfig{
			FailureThreshold: uint32(man.getConfigInt("cbreaker.failure_threshold")), //nolint:gosec
			RecoveryTimeout:  man.getConfigDuration("cbreaker.recovery_timeout"),
			HalfOpenMaxCalls: uint32(man.getConfigInt("cbreaker.half_open_max_calls")), //nolint:gosec
			StateTTL:         man.getConfigDuration("cbreaker.state_ttl"),
		},
		Logging: LoggingConfig{
			Debug: man.getConfigBool("logging.debug"),
			JSON:  man.getConfigBool("logging.json"),
		},
	}
}

// TestConfig returns a barebones configuration suitable for use in tests.
// Individual tests may want to override some of the values provided.
func TestConfig() ForooshyarConfig {
	return ForooshyarConfig{
		Analysis: AnalysisConfig{
			Enabled:            true,
			MaxEntitiesPerKind: 500,
		},
		Batch: BatchConfig{
			MaxItemsPerRun:   10,
			RunBudget:        20 * time.Second,
			StaleThreshold:   120 * time.Second,
			LivenessInterval: 30 * time.Second,
			RescheduleDelay:  time.Second,
			RetryBuffer:      5 * time.Second,
		},
		Actions: ActionsConfig{
			AutoExecute:      true,
			AutoExecuteLimit: 10,
			MinPriority:      8,
		},
		RateLimit: RateLimitConfig{
			HourlyLimit: 100,
			DailyLimit:  1000,
		},
		CBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
			StateTTL:         time.Hour,
		},
		Logging: LoggingConfig{Debug: true},
	}
}

func getFlagUsage(key string, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

func flagNameFromConfigKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func envNameFromConfigKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(flagNameFromConfigKey(key))
}

// addDefault will check for duplication, then add a default value to the
// defaults map.
func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}
	man.defaults[key] = defVal
}

// getInterfaceVal is a helper used by the getConfig* functions to retrieve
// the config value as interface{}, which is then cast to the appropriate
// type by the caller.
func (man Manager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))) //nolint:errcheck
	man.viper.BindEnv(key, envNameFromConfigKey(key))                                          //nolint:errcheck

	man.addDefault(key, defVal)
}

func (man Manager) getConfigString(key string) string {
	interfaceVal := man.getInterfaceVal(key)
	stringVal, err := cast.ToStringE(interfaceVal)
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}
	return stringVal
}

func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))) //nolint:errcheck
	man.viper.BindEnv(key, envNameFromConfigKey(key))                                          //nolint:errcheck

	man.addDefault(key, defVal)
}

func (man Manager) getConfigInt(key string) int {
	interfaceVal := man.getInterfaceVal(key)
	intVal, err := cast.ToIntE(interfaceVal)
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}
	return intVal
}

func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))) //nolint:errcheck
	man.viper.BindEnv(key, envNameFromConfigKey(key))                                          //nolint:errcheck

	man.addDefault(key, defVal)
}

func (man Manager) getConfigBool(key string) bool {
	interfaceVal := man.getInterfaceVal(key)
	boolVal, err := cast.ToBoolE(interfaceVal)
	if err != nil {
		panic("Unable to cast to bool for key " + key + ": " + err.Error())
	}
	return boolVal
}

func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))) //nolint:errcheck
	man.viper.BindEnv(key, envNameFromConfigKey(key))                                          //nolint:errcheck

	man.addDefault(key, defVal)
}

func (man Manager) getConfigDuration(key string) time.Duration {
	interfaceVal := man.getInterfaceVal(key)
	durationVal, err := cast.ToDurationE(interfaceVal)
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}
	return durationVal
}

// loadConfigFile handles the loading of the config file.
func (man Manager) loadConfigFile() {
	man.viper.SetConfigType("yaml")

	configFile := man.command.PersistentFlags().Lookup("config").Value.String()
	if configFile == "" {
		// no config file set, rely on env vars/flags/defaults
		return
	}

	man.viper.SetConfigFile(configFile)
	if err := man.viper.ReadInConfig(); err != nil {
		fmt.Println("Error loading config file:", err)
		os.Exit(1)
	}

	fmt.Println("Using config file:", man.viper.ConfigFileUsed())
}
