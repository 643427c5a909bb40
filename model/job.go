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

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel values for the CPUs and RAM columns.
const (
	// ResourceNone means no minimum requirement.
	ResourceNone = 0
	// ResourceExclusive reserves the agent resource exclusively.
	ResourceExclusive = -1
)

// RequeueUnlimited lets failed tasks be requeued indefinitely.
const RequeueUnlimited = -1

// JobUpdateColumns lists the columns written on upsert.
var JobUpdateColumns = []string{
	"updated_at",
	"title",
	"jobtype_version_id",
	"start",
	"end",
	"by",
	"num_tiles",
	"batch",
	"requeue",
	"cpus",
	"ram",
	"priority",
	"state",
	"state_explicit",
	"hidden",
	"to_be_deleted",
	"autodelete_time",
	"job_queue_id",
	"user_id",
	"notes",
}

// Job is a unit of submitted work spanning a frame range. The range is
// expanded into one Task per frame (or per frame tile). Dependencies between
// jobs are kept in the job_dependencies edge table, not as object pointers.
type Job struct {
	Model
	ID    JobID  `json:"id" gorm:"column:id;uniqueIndex:uidx_job_id;autoIncrement"`
	Title string `json:"title" gorm:"column:title;type:varchar(255) not null;uniqueIndex:uidx_job_title"`

	JobTypeVersionID uint `json:"jobtype-version-id" gorm:"column:jobtype_version_id;not null"`

	// Frame range columns. Exact decimals: two expansions of the same range
	// are always identical.
	Start decimal.Decimal `json:"start" gorm:"column:start;type:decimal(10,4) not null"`
	End   decimal.Decimal `json:"end" gorm:"column:end;type:decimal(10,4) not null"`
	By    decimal.Decimal `json:"by" gorm:"column:by;type:decimal(10,4) not null"`

	// NumTiles partitions every frame into sub-units. Immutable after
	// creation; NULL when the job does not tile.
	NumTiles *int `json:"num-tiles" gorm:"column:num_tiles"`

	// Batch is how many tasks may run on a single agent at once.
	Batch int `json:"batch" gorm:"column:batch;not null"`
	// Requeue is the failed-task retry budget. 0 never requeues,
	// RequeueUnlimited requeues indefinitely.
	Requeue int `json:"requeue" gorm:"column:requeue;not null"`

	CPUs     int `json:"cpus" gorm:"column:cpus;not null"`
	RAM      int `json:"ram" gorm:"column:ram;not null"`
	Priority int `json:"priority" gorm:"column:priority;not null;index:idx_job_priority"`

	// State is NULL until the aggregator persists a derived value or an
	// administrator pins one. StateExplicit records which of the two wrote
	// it; use StateTag instead of reading the columns directly.
	State         *WorkState `json:"state" gorm:"column:state;type:smallint"`
	StateExplicit bool       `json:"state-explicit" gorm:"column:state_explicit;not null"`

	Hidden      bool `json:"hidden" gorm:"column:hidden;not null"`
	ToBeDeleted bool `json:"to-be-deleted" gorm:"column:to_be_deleted;not null;index:idx_job_tbd"`
	// AutodeleteTime is how long (seconds) a finished job is retained before
	// the reaper removes it. NULL disables autodeletion.
	AutodeleteTime *int64 `json:"autodelete-time" gorm:"column:autodelete_time"`

	JobQueueID *uint `json:"job-queue-id" gorm:"column:job_queue_id"`
	UserID     *uint `json:"user-id" gorm:"column:user_id"`

	Notes string `json:"notes" gorm:"column:notes;type:text"`

	TimeSubmitted time.Time  `json:"time-submitted" gorm:"column:time_submitted;not null"`
	TimeStarted   *time.Time `json:"time-started" gorm:"column:time_started"`
	TimeFinished  *time.Time `json:"time-finished" gorm:"column:time_finished"`
}

// TableName implements gorm schema.Tabler.
func (j *Job) TableName() string {
	return "jobs"
}

// StateTag returns the tagged state: Explicit when pinned by an
// administrator, Derived when written by the aggregator. A NULL column is a
// derived zero value the aggregator resolves against the task set.
func (j *Job) StateTag() JobState {
	if j.State == nil {
		return JobState{}
	}
	if j.StateExplicit {
		return ExplicitState(*j.State)
	}
	return DerivedState(*j.State)
}

// Done returns whether the persisted state is done, explicit or derived.
// Dependency gating treats only this as a satisfied parent.
func (j *Job) Done() bool {
	return j.State != nil && *j.State == WorkStateDone
}

// Tiled returns whether this job partitions frames into tiles.
func (j *Job) Tiled() bool {
	return j.NumTiles != nil && *j.NumTiles > 1
}

// Map is used for updating the orm model.
func (j *Job) Map() map[string]interface{} {
	return map[string]interface{}{
		"title":              j.Title,
		"jobtype_version_id": j.JobTypeVersionID,
		"start":              j.Start,
		"end":                j.End,
		"by":                 j.By,
		"num_tiles":          j.NumTiles,
		"batch":              j.Batch,
		"requeue":            j.Requeue,
		"cpus":               j.CPUs,
		"ram":                j.RAM,
		"priority":           j.Priority,
		"state":              j.State,
		"state_explicit":     j.StateExplicit,
		"hidden":             j.Hidden,
		"to_be_deleted":      j.ToBeDeleted,
		"autodelete_time":    j.AutodeleteTime,
		"job_queue_id":       j.JobQueueID,
		"user_id":            j.UserID,
		"notes":              j.Notes,
	}
}
