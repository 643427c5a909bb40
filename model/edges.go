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

// JobDependency is a directed edge parent -> child: the child cannot start
// until the parent reaches the done state. Kept as an explicit edge table so
// cycle detection is a reachability check over adjacency rows.
type JobDependency struct {
	SeqID    uint  `json:"seq-id" gorm:"primaryKey;autoIncrement"`
	ParentID JobID `json:"parent-id" gorm:"column:parent_id;not null;uniqueIndex:uidx_job_dep,priority:1"`
	ChildID  JobID `json:"child-id" gorm:"column:child_id;not null;uniqueIndex:uidx_job_dep,priority:2;index:idx_job_dep_child"`
}

// TableName implements gorm schema.Tabler.
func (d *JobDependency) TableName() string {
	return "job_dependencies"
}

// TaskDependency is a directed edge between tasks, gating assignment of the
// child task until the parent task is done.
type TaskDependency struct {
	SeqID    uint   `json:"seq-id" gorm:"primaryKey;autoIncrement"`
	ParentID TaskID `json:"parent-id" gorm:"column:parent_id;not null;uniqueIndex:uidx_task_dep,priority:1"`
	ChildID  TaskID `json:"child-id" gorm:"column:child_id;not null;uniqueIndex:uidx_task_dep,priority:2;index:idx_task_dep_child"`
}

// TableName implements gorm schema.Tabler.
func (d *TaskDependency) TableName() string {
	return "task_dependencies"
}

// TaskFailedAgent records that a task failed on an agent; the dispatcher
// avoids reassigning the task there. Membership is idempotent.
type TaskFailedAgent struct {
	SeqID   uint    `json:"seq-id" gorm:"primaryKey;autoIncrement"`
	TaskID  TaskID  `json:"task-id" gorm:"column:task_id;not null;uniqueIndex:uidx_failed_agent,priority:1"`
	AgentID AgentID `json:"agent-id" gorm:"column:agent_id;type:varchar(36) not null;uniqueIndex:uidx_failed_agent,priority:2"`
}

// TableName implements gorm schema.Tabler.
func (f *TaskFailedAgent) TableName() string {
	return "task_failed_agents"
}

// JobNotifiedUser subscribes a user to job lifecycle notifications.
type JobNotifiedUser struct {
	Model
	JobID  JobID `json:"job-id" gorm:"column:job_id;not null;uniqueIndex:uidx_notified,priority:1"`
	UserID uint  `json:"user-id" gorm:"column:user_id;not null;uniqueIndex:uidx_notified,priority:2"`

	OnSuccess  bool `json:"on-success" gorm:"column:on_success;not null"`
	OnFailure  bool `json:"on-failure" gorm:"column:on_failure;not null"`
	OnDeletion bool `json:"on-deletion" gorm:"column:on_deletion;not null"`
}

// TableName implements gorm schema.Tabler.
func (n *JobNotifiedUser) TableName() string {
	return "job_notified_users"
}

// JobSoftwareRequirement requires a software, optionally bounded to a
// version window, on the executing agent.
type JobSoftwareRequirement struct {
	Model
	JobID        JobID `json:"job-id" gorm:"column:job_id;not null;uniqueIndex:uidx_job_software,priority:1"`
	SoftwareID   uint  `json:"software-id" gorm:"column:software_id;not null;uniqueIndex:uidx_job_software,priority:2"`
	MinVersionID *uint `json:"min-version-id" gorm:"column:min_version_id"`
	MaxVersionID *uint `json:"max-version-id" gorm:"column:max_version_id"`
}

// TableName implements gorm schema.Tabler.
func (r *JobSoftwareRequirement) TableName() string {
	return "job_software_requirements"
}

// JobTagRequirement restricts assignment to agents carrying (or, negated,
// not carrying) a tag.
type JobTagRequirement struct {
	Model
	JobID  JobID `json:"job-id" gorm:"column:job_id;not null;uniqueIndex:uidx_job_tag,priority:1"`
	TagID  uint  `json:"tag-id" gorm:"column:tag_id;not null;uniqueIndex:uidx_job_tag,priority:2"`
	Negate bool  `json:"negate" gorm:"column:negate;not null"`
}

// TableName implements gorm schema.Tabler.
func (r *JobTagRequirement) TableName() string {
	return "job_tag_requirements"
}
