/*
Package jobqueue runs conversation follow-ups (assistant replies and memory
extraction) on a River queue backed by Postgres.

# Tuning

  - MaxWorkers bounds concurrent follow-ups, and with it the number of
    model calls in flight.
  - MaxAttempts is River's attempt budget per job. Each attempt already
    retries transient model errors internally, so keep this small.
  - JobTimeout caps one attempt, including every in-process retry.

River's own tables must exist before the client starts; `convohub migrate`
applies them together with the history schema.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

type QueueConfig struct {
	Queue       string        `koanf:"queue"`
	MaxWorkers  int           `koanf:"max_workers"`
	MaxAttempts int           `koanf:"max_attempts"`
	JobTimeout  time.Duration `koanf:"job_timeout"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Queue:       river.QueueDefault,
		MaxWorkers:  10,
		MaxAttempts: 5,
		JobTimeout:  5 * time.Minute,
	}
}

func ProductionQueueConfig() QueueConfig {
	config := DefaultQueueConfig()
	config.MaxWorkers = 20
	config.MaxAttempts = 10
	config.JobTimeout = 10 * time.Minute
	return config
}

func DevelopmentQueueConfig() QueueConfig {
	config := DefaultQueueConfig()
	config.MaxWorkers = 3
	config.MaxAttempts = 2
	config.JobTimeout = 2 * time.Minute
	return config
}

// QueueConfigFor picks a preset by environment name.
func QueueConfigFor(env string) QueueConfig {
	switch env {
	case "production":
		return ProductionQueueConfig()
	case "development":
		return DevelopmentQueueConfig()
	}
	return DefaultQueueConfig()
}

func (c QueueConfig) queueName() string {
	if c.Queue == "" {
		return river.QueueDefault
	}
	return c.Queue
}

// RiverQueueConfig converts the config to River's queue map.
func (c QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		c.queueName(): {MaxWorkers: max(c.MaxWorkers, 1)},
	}
}
