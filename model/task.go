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

// TaskDisplayState is the state a task presents to callers. Queued and
// Assigned are pseudo-states computed from a NULL state column plus the
// presence of an assigned agent.
type TaskDisplayState int16

// Task display states.
const (
	TaskDisplayQueued = TaskDisplayState(iota + 1)
	TaskDisplayAssigned
	TaskDisplayRunning
	TaskDisplayDone
	TaskDisplayFailed
)

var taskDisplayStringify = [...]string{
	0:                   "",
	TaskDisplayQueued:   "queued",
	TaskDisplayAssigned: "assigned",
	TaskDisplayRunning:  "running",
	TaskDisplayDone:     "done",
	TaskDisplayFailed:   "failed",
}

// String implements fmt.Stringer.
func (s TaskDisplayState) String() string {
	if int(s) >= len(taskDisplayStringify) || s < 0 {
		return "unknown"
	}
	return taskDisplayStringify[s]
}

// TaskUpdateColumns lists the columns written on upsert.
var TaskUpdateColumns = []string{
	"updated_at",
	"state",
	"agent_id",
	"attempts",
	"failures",
	"priority",
	"last_error",
	"progress",
	"sent_to_agent",
	"time_started",
	"time_finished",
}

// Task is the smallest assignable unit of work: one frame (or one frame
// tile) of a job. A task belongs to exactly one job and is destroyed with
// it; the agent reference is weak.
type Task struct {
	Model
	ID    TaskID `json:"id" gorm:"column:id;uniqueIndex:uidx_task_id;autoIncrement"`
	JobID JobID  `json:"job-id" gorm:"column:job_id;not null;uniqueIndex:uidx_task_frame,priority:1;index:idx_task_state,priority:1"`

	// Frame is a member of the owning job's current frame expansion.
	Frame decimal.Decimal `json:"frame" gorm:"column:frame;type:decimal(10,4) not null;uniqueIndex:uidx_task_frame,priority:2"`
	// Tile is set only for tiled jobs; (job_id, frame, tile) is unique.
	Tile *int `json:"tile" gorm:"column:tile;uniqueIndex:uidx_task_frame,priority:3"`

	// State is NULL while the task is queued or assigned-but-unreported.
	State   *WorkState `json:"state" gorm:"column:state;type:smallint;index:idx_task_state,priority:2"`
	AgentID *AgentID   `json:"agent-id" gorm:"column:agent_id;type:varchar(36);index:idx_task_agent"`

	// Attempts counts transitions into running; Failures counts transitions
	// into failed. Both are written by the state-transition logic only.
	Attempts int `json:"attempts" gorm:"column:attempts;not null"`
	Failures int `json:"failures" gorm:"column:failures;not null"`

	// Priority may diverge from the job priority by manual reprioritization.
	Priority int `json:"priority" gorm:"column:priority;not null"`

	// LastError is cleared whenever the task transitions into done.
	LastError *string `json:"last-error" gorm:"column:last_error;type:text"`

	// Progress is in [0, 1], display only; forced to 1 on done.
	Progress float64 `json:"progress" gorm:"column:progress;not null"`

	SentToAgent bool `json:"sent-to-agent" gorm:"column:sent_to_agent;not null"`
	Hidden      bool `json:"hidden" gorm:"column:hidden;not null"`

	TimeSubmitted time.Time  `json:"time-submitted" gorm:"column:time_submitted;not null"`
	TimeStarted   *time.Time `json:"time-started" gorm:"column:time_started"`
	TimeFinished  *time.Time `json:"time-finished" gorm:"column:time_finished"`
}

// TableName implements gorm schema.Tabler.
func (t *Task) TableName() string {
	return "tasks"
}

// EffectiveState computes the displayed state. A NULL state column shows as
// queued without an agent and assigned with one.
func (t *Task) EffectiveState() TaskDisplayState {
	if t.State == nil {
		if t.AgentID == nil {
			return TaskDisplayQueued
		}
		return TaskDisplayAssigned
	}
	switch *t.State {
	case WorkStateRunning:
		return TaskDisplayRunning
	case WorkStateDone:
		return TaskDisplayDone
	case WorkStateFailed:
		return TaskDisplayFailed
	default:
		return TaskDisplayQueued
	}
}

// Running returns whether the task reported the running state.
func (t *Task) Running() bool {
	return t.State != nil && *t.State == WorkStateRunning
}

// Failed returns whether the task reported the failed state.
func (t *Task) Failed() bool {
	return t.State != nil && *t.State == WorkStateFailed
}

// Done returns whether the task reported the done state.
func (t *Task) Done() bool {
	return t.State != nil && *t.State == WorkStateDone
}

// Map is used for updating the orm model.
func (t *Task) Map() map[string]interface{} {
	return map[string]interface{}{
		"state":         t.State,
		"agent_id":      t.AgentID,
		"attempts":      t.Attempts,
		"failures":      t.Failures,
		"priority":      t.Priority,
		"last_error":    t.LastError,
		"progress":      t.Progress,
		"sent_to_agent": t.SentToAgent,
		"time_started":  t.TimeStarted,
		"time_finished": t.TimeFinished,
	}
}
