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

package model

// The catalog tables below are consumed as lookup data. Their management
// surfaces (admin UI, catalog APIs) live outside this repository.

// JobType names a class of work, e.g. a renderer binding.
type JobType struct {
	Model
	ID   uint   `json:"id" gorm:"column:id;uniqueIndex:uidx_jobtype_id;autoIncrement"`
	Name string `json:"name" gorm:"column:name;type:varchar(64) not null;uniqueIndex:uidx_jobtype_name"`
}

// TableName implements gorm schema.Tabler.
func (t *JobType) TableName() string {
	return "jobtypes"
}

// JobTypeVersion is one immutable version of a jobtype. Jobs bind to a
// version, never to the bare jobtype.
type JobTypeVersion struct {
	Model
	ID        uint `json:"id" gorm:"column:id;uniqueIndex:uidx_jtv_id;autoIncrement"`
	JobTypeID uint `json:"jobtype-id" gorm:"column:jobtype_id;not null;uniqueIndex:uidx_jtv,priority:1"`
	Version   int  `json:"version" gorm:"column:version;not null;uniqueIndex:uidx_jtv,priority:2"`

	// SupportsTiling permits jobs of this type to split frames into tiles.
	SupportsTiling bool `json:"supports-tiling" gorm:"column:supports_tiling;not null"`
	// BatchContiguous requires batched frames to be consecutive.
	BatchContiguous bool `json:"batch-contiguous" gorm:"column:batch_contiguous;not null"`
	// NoAutomaticStartTime suppresses setting time_started on transition
	// into running; some jobtypes report their own timings.
	NoAutomaticStartTime bool `json:"no-automatic-start-time" gorm:"column:no_automatic_start_time;not null"`
}

// TableName implements gorm schema.Tabler.
func (v *JobTypeVersion) TableName() string {
	return "jobtype_versions"
}

// Software names an installable package agents may carry.
type Software struct {
	Model
	ID   uint   `json:"id" gorm:"column:id;uniqueIndex:uidx_software_id;autoIncrement"`
	Name string `json:"name" gorm:"column:name;type:varchar(64) not null;uniqueIndex:uidx_software_name"`
}

// TableName implements gorm schema.Tabler.
func (s *Software) TableName() string {
	return "software"
}

// SoftwareVersion is a totally ordered (by Rank) version of a software.
type SoftwareVersion struct {
	Model
	ID         uint   `json:"id" gorm:"column:id;uniqueIndex:uidx_sv_id;autoIncrement"`
	SoftwareID uint   `json:"software-id" gorm:"column:software_id;not null;uniqueIndex:uidx_sv,priority:1"`
	Version    string `json:"version" gorm:"column:version;type:varchar(64) not null;uniqueIndex:uidx_sv,priority:2"`
	Rank       int    `json:"rank" gorm:"column:rank;not null"`
}

// TableName implements gorm schema.Tabler.
func (v *SoftwareVersion) TableName() string {
	return "software_versions"
}

// Tag is a free-form agent/job marker.
type Tag struct {
	Model
	ID  uint   `json:"id" gorm:"column:id;uniqueIndex:uidx_tag_id;autoIncrement"`
	Tag string `json:"tag" gorm:"column:tag;type:varchar(64) not null;uniqueIndex:uidx_tag_name"`
}

// TableName implements gorm schema.Tabler.
func (t *Tag) TableName() string {
	return "tags"
}

// User owns jobs and receives notifications.
type User struct {
	Model
	ID       uint   `json:"id" gorm:"column:id;uniqueIndex:uidx_user_id;autoIncrement"`
	Username string `json:"username" gorm:"column:username;type:varchar(255) not null;uniqueIndex:uidx_username"`
	Email    string `json:"email" gorm:"column:email;type:varchar(255)"`
}

// TableName implements gorm schema.Tabler.
func (u *User) TableName() string {
	return "users"
}

// JobQueue is a node in the hierarchical queue tree. FullPath is the
// slash-separated path from the root, kept denormalized for lookups.
type JobQueue struct {
	Model
	ID       uint   `json:"id" gorm:"column:id;uniqueIndex:uidx_queue_id;autoIncrement"`
	ParentID *uint  `json:"parent-id" gorm:"column:parent_id;uniqueIndex:uidx_queue,priority:1"`
	Name     string `json:"name" gorm:"column:name;type:varchar(255) not null;uniqueIndex:uidx_queue,priority:2"`
	FullPath string `json:"full-path" gorm:"column:full_path;type:varchar(1024) not null"`

	Priority int `json:"priority" gorm:"column:priority;not null"`
}

// TableName implements gorm schema.Tabler.
func (q *JobQueue) TableName() string {
	return "job_queues"
}

// AgentState mirrors the agent's own lifecycle reporting.
type AgentState int16

// Agent states.
const (
	AgentOffline = AgentState(iota + 1)
	AgentOnline
	AgentRunning
	AgentDisabled
)

// Agent is a remote worker process. Tasks reference agents weakly: deleting
// an agent never cascades into tasks.
type Agent struct {
	Model
	ID       AgentID `json:"id" gorm:"column:id;type:varchar(36) not null;uniqueIndex:uidx_agent_id"`
	Hostname string  `json:"hostname" gorm:"column:hostname;type:varchar(255) not null"`
	RemoteIP string  `json:"remote-ip" gorm:"column:remote_ip;type:varchar(45) not null"`

	State   AgentState `json:"state" gorm:"column:state;type:smallint not null"`
	CPUs    int        `json:"cpus" gorm:"column:cpus;not null"`
	FreeRAM int        `json:"free-ram" gorm:"column:free_ram;not null"`
}

// TableName implements gorm schema.Tabler.
func (a *Agent) TableName() string {
	return "agents"
}
