// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/framefarm/framefarm/pkg/errors"
)

// defaults mirror the shipped farm-master.toml.
const (
	defaultMinCPUs        = 1
	defaultMaxCPUs        = 256
	defaultMinRAM         = 16     // MiB
	defaultMaxRAM         = 262144 // MiB
	defaultBatch          = 1
	defaultRequeue        = 3
	defaultAutodelete     = 0 * time.Second
	defaultSlowQueryLog   = 200 * time.Millisecond
	defaultUserEmailTmpl  = "{username}@localhost"
	defaultStatisticsFlag = false
)

// Resource sentinels shared by the cpus and ram columns.
const (
	// ResourceNone marks a resource requirement as absent.
	ResourceNone = 0
	// ResourceExclusive requests exclusive use of the agent resource.
	ResourceExclusive = -1
)

// Config is the process-wide configuration for the master scheduler. It is
// built once at startup and passed into the scheduler's constructor; nothing
// reads it as an ambient global.
type Config struct {
	Queue QueueConfig `toml:"queue" json:"queue"`
	Store StoreConfig `toml:"store" json:"store"`

	// EnableStatistics turns on the per-transition task event sink.
	EnableStatistics bool `toml:"enable-statistics" json:"enable-statistics"`
}

// QueueConfig bounds job resource requirements and sets submission defaults.
type QueueConfig struct {
	MinCPUs int `toml:"min-cpus" json:"min-cpus"`
	MaxCPUs int `toml:"max-cpus" json:"max-cpus"`
	MinRAM  int `toml:"min-ram" json:"min-ram"`
	MaxRAM  int `toml:"max-ram" json:"max-ram"`

	DefaultBatch   int `toml:"default-batch" json:"default-batch"`
	DefaultRequeue int `toml:"default-requeue" json:"default-requeue"`

	// DefaultAutodelete is how long a finished job is kept before the reaper
	// may remove it. Zero disables automatic deletion.
	DefaultAutodelete TomlDuration `toml:"default-autodelete" json:"default-autodelete"`

	AutocreateUsers bool `toml:"autocreate-users" json:"autocreate-users"`
	// AutocreateUserEmail is the template used for autocreated users.
	// `{username}` is substituted.
	AutocreateUserEmail string `toml:"autocreate-user-email" json:"autocreate-user-email"`
	AutocreateTags      bool   `toml:"autocreate-tags" json:"autocreate-tags"`
}

// StoreConfig describes the backing relational store.
type StoreConfig struct {
	DSN           string       `toml:"dsn" json:"dsn"`
	SlowThreshold TomlDuration `toml:"slow-threshold" json:"slow-threshold"`
}

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MinCPUs:             defaultMinCPUs,
			MaxCPUs:             defaultMaxCPUs,
			MinRAM:              defaultMinRAM,
			MaxRAM:              defaultMaxRAM,
			DefaultBatch:        defaultBatch,
			DefaultRequeue:      defaultRequeue,
			DefaultAutodelete:   TomlDuration(defaultAutodelete),
			AutocreateUsers:     false,
			AutocreateUserEmail: defaultUserEmailTmpl,
			AutocreateTags:      true,
		},
		Store: StoreConfig{
			SlowThreshold: TomlDuration(defaultSlowQueryLog),
		},
		EnableStatistics: defaultStatisticsFlag,
	}
}

// FromFile loads the configuration from a TOML file on top of the defaults.
// Unknown keys are rejected.
func FromFile(path string) (*Config, error) {
	cfg := GetDefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, errors.ErrUnknownField.GenWithStackByArgs(strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configured bounds for internal consistency.
func (c *Config) Validate() error {
	q := c.Queue
	if q.MinCPUs < 1 || q.MaxCPUs < 1 || q.MaxCPUs < q.MinCPUs {
		return errors.ErrResourceOutOfBounds.GenWithStackByArgs("cpus", q.MinCPUs, q.MaxCPUs)
	}
	if q.MinRAM < 1 || q.MaxRAM < 1 || q.MaxRAM < q.MinRAM {
		return errors.ErrResourceOutOfBounds.GenWithStackByArgs("ram", q.MinRAM, q.MaxRAM)
	}
	if q.DefaultBatch < 1 {
		return errors.ErrBadBatchSize.GenWithStackByArgs(q.DefaultBatch)
	}
	if q.DefaultRequeue < -1 {
		return errors.ErrBadRequeueLimit.GenWithStackByArgs(q.DefaultRequeue)
	}
	return nil
}

// UserEmail renders the autocreate email template for a username.
func (q *QueueConfig) UserEmail(username string) string {
	return strings.ReplaceAll(q.AutocreateUserEmail, "{username}", username)
}
