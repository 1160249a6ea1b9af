package config

const (
	defaultConfigPath               = "~/.config/conveyor/config.toml"
	defaultDataDir                  = "~/.local/share/conveyor"
	defaultAPIBind                  = "127.0.0.1:7485"
	defaultSQLiteFile               = "conveyor.db"
	defaultBadgerSubdir             = "badger"
	defaultRedisKeyPrefix           = "conveyor"
	defaultVisibilitySeconds        = 300
	defaultMaxAttempts              = 3
	defaultRetryBaseSeconds         = 30
	defaultRetryCapSeconds          = 3600
	defaultRetryJitter              = 0.2
	defaultDispatchSchedule         = "@every 1m"
	defaultLaunchTimeoutSeconds     = 10
	defaultOverridePrefix           = "CONVEYOR"
	defaultWorkerPoolSize           = 16
	defaultExtendIntervalSeconds    = 60
	defaultRescueSchedule           = "@every 5m"
	defaultRescueHeartbeatWindow    = 1800
	defaultRescueLimit              = 100
	defaultCollaboratorTimeout      = 120
	defaultCollaboratorRate         = 5.0
	defaultCollaboratorBurst        = 5
	defaultLogFormat                = "auto"
	defaultLogLevel                 = "info"
	defaultLogRetentionDays         = 30
	defaultTerminalStageConcurrency = 4
)

// Stage config defaults for stages configured without explicit values.
const (
	DefaultStageTriggerBatchSize = 5
	DefaultStageMaxConcurrency   = 2
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Queue backends.
const (
	QueueSQLite   = "sqlite"
	QueuePostgres = "postgres"
	QueueRedis    = "redis"
	QueueBadger   = "badger"
)

// Backlog sources and launchers.
const (
	BacklogRecords = "records"
	BacklogQueue   = "queue"
	LauncherPool   = "pool"
	LauncherHTTP   = "http"
)

// DefaultStages is the declared pipeline order.
var DefaultStages = []string{"research", "outline", "draft", "qa", "export", "complete"}

// Default returns a Config populated with repository defaults. Stage seeds are
// derived from the pipeline during normalization.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			APIBind: defaultAPIBind,
		},
		Storage: Storage{
			Driver: DriverSQLite,
		},
		Queue: Queue{
			RedisKeyPrefix:           defaultRedisKeyPrefix,
			DefaultVisibilitySeconds: defaultVisibilitySeconds,
			DefaultMaxAttempts:       defaultMaxAttempts,
		},
		Retry: Retry{
			BaseSeconds: defaultRetryBaseSeconds,
			CapSeconds:  defaultRetryCapSeconds,
			Jitter:      defaultRetryJitter,
		},
		Dispatch: Dispatch{
			Schedule:             defaultDispatchSchedule,
			BacklogSource:        BacklogRecords,
			Launcher:             LauncherPool,
			LaunchTimeoutSeconds: defaultLaunchTimeoutSeconds,
			OverridePrefix:       defaultOverridePrefix,
		},
		Worker: Worker{
			PoolSize:              defaultWorkerPoolSize,
			VisibilitySeconds:     defaultVisibilitySeconds,
			ExtendIntervalSeconds: defaultExtendIntervalSeconds,
		},
		Rescue: Rescue{
			Enabled:                true,
			Schedule:               defaultRescueSchedule,
			HeartbeatWindowSeconds: defaultRescueHeartbeatWindow,
			Limit:                  defaultRescueLimit,
		},
		Collaborators: Collaborators{
			TimeoutSeconds: defaultCollaboratorTimeout,
			RatePerSecond:  defaultCollaboratorRate,
			Burst:          defaultCollaboratorBurst,
		},
		Pipeline: Pipeline{
			Stages: append([]string(nil), DefaultStages...),
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
