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

import "time"

// TaskEventCount is one statistics record per task state transition,
// bucketed by job queue. Written only when statistics are enabled.
type TaskEventCount struct {
	SeqID      uint  `json:"seq-id" gorm:"primaryKey;autoIncrement"`
	JobQueueID *uint `json:"job-queue-id" gorm:"column:job_queue_id;index:idx_tec_queue"`

	NumRestarted int `json:"num-restarted" gorm:"column:num_restarted;not null"`
	NumStarted   int `json:"num-started" gorm:"column:num_started;not null"`
	NumDone      int `json:"num-done" gorm:"column:num_done;not null"`
	NumFailed    int `json:"num-failed" gorm:"column:num_failed;not null"`

	TimeStart time.Time `json:"time-start" gorm:"column:time_start;not null"`
	TimeEnd   time.Time `json:"time-end" gorm:"column:time_end;not null"`
}

// TableName implements gorm schema.Tabler.
func (c *TaskEventCount) TableName() string {
	return "task_event_counts"
}
