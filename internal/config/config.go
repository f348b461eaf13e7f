package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Job        JobConfig        `mapstructure:"job"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Restart    RestartConfig    `mapstructure:"restart"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Source     SourceConfig     `mapstructure:"source"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Test       TestConfig       `mapstructure:"test"`
}

type JobConfig struct {
	Name        string `mapstructure:"name"`
	Parallelism int    `mapstructure:"parallelism"`
	Semantics   string `mapstructure:"semantics"`
}

type CheckpointConfig struct {
	EveryRecords int `mapstructure:"every_records"`
}

type RestartConfig struct {
	// Strategy is "fixed_delay" or "none"; "none" disables restarts
	// regardless of max_attempts.
	Strategy         string        `mapstructure:"strategy"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Delay            time.Duration `mapstructure:"delay"`
	CommitRetries    int           `mapstructure:"commit_retries"`
	CommitRetryDelay time.Duration `mapstructure:"commit_retry_delay"`
}

type BackendConfig struct {
	// Kind selects the state backend: "memory" or "sqlite".
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

type SourceConfig struct {
	Values []int64 `mapstructure:"values"`
	Rounds int     `mapstructure:"rounds"`
}

type SinkConfig struct {
	// Kind selects the committed-output destination: "queue", "kafka",
	// "rabbitmq" or "postgres".
	Kind          string         `mapstructure:"kind"`
	WithCommitter bool           `mapstructure:"with_committer"`
	WithGlobal    bool           `mapstructure:"with_global"`
	Kafka         KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ      RabbitMQConfig `mapstructure:"rabbitmq"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TestConfig struct {
	SimulateFailure FailureConfig `mapstructure:"simulate_failure"`
}

type FailureConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	NumRecords     int  `mapstructure:"num_records"`
	NumCheckpoints int  `mapstructure:"num_checkpoints"`
	MaxFailures    int  `mapstructure:"max_failures"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("streamsink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.name", "streamsink")
	v.SetDefault("job.parallelism", 1)
	v.SetDefault("job.semantics", "exactly_once")
	v.SetDefault("checkpoint.every_records", 0)
	v.SetDefault("restart.strategy", "fixed_delay")
	v.SetDefault("restart.max_attempts", 1)
	v.SetDefault("restart.delay", "100ms")
	v.SetDefault("restart.commit_retries", 0)
	v.SetDefault("restart.commit_retry_delay", "10ms")
	v.SetDefault("backend.kind", "memory")
	v.SetDefault("source.rounds", 1)
	v.SetDefault("sink.kind", "queue")
	v.SetDefault("sink.with_committer", true)
	v.SetDefault("sink.with_global", true)
	v.SetDefault("test.simulate_failure.max_failures", 1)
}

func (c Config) Validate() error {
	if c.Job.Parallelism < 1 {
		return fmt.Errorf("job.parallelism must be >= 1")
	}
	switch c.Job.Semantics {
	case "exactly_once", "exactly-once", "at_least_once", "at-least-once":
	default:
		return fmt.Errorf("unknown job.semantics %q", c.Job.Semantics)
	}
	switch c.Restart.Strategy {
	case "fixed_delay", "none":
	default:
		return fmt.Errorf("unknown restart.strategy %q", c.Restart.Strategy)
	}
	if c.Restart.MaxAttempts < 1 {
		return fmt.Errorf("restart.max_attempts must be >= 1")
	}
	switch c.Backend.Kind {
	case "memory":
	case "sqlite":
		if c.Backend.Path == "" {
			return fmt.Errorf("backend.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown backend.kind %q", c.Backend.Kind)
	}
	if len(c.Source.Values) == 0 {
		return fmt.Errorf("source.values is required")
	}
	if c.Source.Rounds < 1 {
		return fmt.Errorf("source.rounds must be >= 1")
	}
	if !c.Sink.WithCommitter && !c.Sink.WithGlobal {
		return fmt.Errorf("sink needs with_committer, with_global or both")
	}
	switch c.Sink.Kind {
	case "queue":
	case "kafka":
		if len(c.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required")
		}
		if c.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.topic is required")
		}
	case "rabbitmq":
		if c.Sink.RabbitMQ.URL == "" {
			return fmt.Errorf("sink.rabbitmq.url is required")
		}
	case "postgres":
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown sink.kind %q", c.Sink.Kind)
	}
	if c.Test.SimulateFailure.Enabled && c.Test.SimulateFailure.MaxFailures < 1 {
		return fmt.Errorf("test.simulate_failure.max_failures must be >= 1 when enabled")
	}
	return nil
}
