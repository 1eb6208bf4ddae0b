/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the scheduler's environment-driven Settings: every
// configuration input named in this project's external interfaces,
// validated once at process start so a misconfiguration crashes
// immediately rather than surfacing as an obscure runtime error later.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

// Settings are the scheduler's external configuration inputs: store
// location, queue/broker addressing, and the timing knobs governing
// mutex acquisition and retry back-off.
type Settings struct {
	// StorePath is the bbolt database file path, or ":memory:" to use an
	// in-process store with no durability (tests and local development).
	StorePath string

	// QueueURL is the SQS FIFO queue URL deployment IDs are enqueued onto.
	QueueURL string
	// LockTableName is the DynamoDB table backing the distributed mutex.
	LockTableName string
	// AWSRegion is passed through to the AWS SDK config loader.
	AWSRegion string

	// RetryDelay is the back-off applied when re-enqueuing a Deferred
	// deployment.
	RetryDelay time.Duration
	// MutexTTL bounds how long a cluster lock survives its holder's death.
	MutexTTL time.Duration
	// MutexWaitBudget bounds how long Acquire blocks before giving up.
	MutexWaitBudget time.Duration
	// WorkerConcurrency is the number of jobs a single worker process
	// handles concurrently.
	WorkerConcurrency int
}

var defaultSettings = Settings{
	StorePath:         "scheduler.db",
	RetryDelay:        10 * time.Second,
	MutexTTL:          30 * time.Second,
	MutexWaitBudget:   10 * time.Second,
	WorkerConcurrency: 1,
}

// FromEnv loads Settings from environment variables, applying
// defaultSettings for anything unset, then validates the result.
func FromEnv() (Settings, error) {
	s := defaultSettings

	s.StorePath = stringOr("SCHEDULER_STORE_PATH", s.StorePath)
	s.QueueURL = stringOr("SCHEDULER_QUEUE_URL", s.QueueURL)
	s.LockTableName = stringOr("SCHEDULER_LOCK_TABLE", s.LockTableName)
	s.AWSRegion = stringOr("SCHEDULER_AWS_REGION", s.AWSRegion)

	var err error
	if s.RetryDelay, err = durationOr("SCHEDULER_RETRY_DELAY", s.RetryDelay); err != nil {
		return Settings{}, err
	}
	if s.MutexTTL, err = durationOr("SCHEDULER_MUTEX_TTL", s.MutexTTL); err != nil {
		return Settings{}, err
	}
	if s.MutexWaitBudget, err = durationOr("SCHEDULER_MUTEX_WAIT_BUDGET", s.MutexWaitBudget); err != nil {
		return Settings{}, err
	}
	if s.WorkerConcurrency, err = intOr("SCHEDULER_WORKER_CONCURRENCY", s.WorkerConcurrency); err != nil {
		return Settings{}, err
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings are internally consistent, combining every
// violation found rather than failing on the first.
func (s Settings) Validate() error {
	var errs error
	if s.StorePath == "" {
		errs = multierr.Append(errs, fmt.Errorf("store path must not be empty"))
	}
	if s.MutexTTL <= s.MutexWaitBudget {
		errs = multierr.Append(errs, fmt.Errorf("mutex ttl (%s) must exceed mutex wait budget (%s): ttl protects against holder death during the longest possible wait", s.MutexTTL, s.MutexWaitBudget))
	}
	if s.WorkerConcurrency < 1 {
		errs = multierr.Append(errs, fmt.Errorf("worker concurrency must be at least 1, got %d", s.WorkerConcurrency))
	}
	if s.RetryDelay < 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry delay must not be negative"))
	}
	return errs
}

func stringOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return d, nil
}

func intOr(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}
