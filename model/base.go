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

// Package model defines the gorm entities of the master metastore: jobs,
// tasks, the dependency edge tables and the lookup catalogs consumed from
// collaborators.
package model

import "time"

type (
	// JobID identifies a job row.
	JobID = uint
	// TaskID identifies a task row.
	TaskID = uint
	// AgentID identifies an agent. Agents register with a UUID.
	AgentID = string
)

// Model is the shared base of every metastore table.
type Model struct {
	SeqID     uint      `json:"seq-id" gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `json:"created-at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated-at" gorm:"autoUpdateTime"`
}
