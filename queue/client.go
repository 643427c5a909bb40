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

package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/framefarm/framefarm/model"
	"github.com/framefarm/framefarm/pkg/errors"
	"github.com/framefarm/framefarm/pkg/frame"
	ormUtil "github.com/framefarm/framefarm/pkg/orm"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var globalModels = []interface{}{
	&model.Job{},
	&model.Task{},
	&model.JobDependency{},
	&model.TaskDependency{},
	&model.TaskFailedAgent{},
	&model.JobNotifiedUser{},
	&model.JobSoftwareRequirement{},
	&model.JobTagRequirement{},
	&model.JobType{},
	&model.JobTypeVersion{},
	&model.Software{},
	&model.SoftwareVersion{},
	&model.Tag{},
	&model.User{},
	&model.JobQueue{},
	&model.Agent{},
	&model.TaskEventCount{},
}

// NewJob bundles a job row with its satellite rows so creation is a single
// transaction. Task JobID fields are filled in after the job row is
// inserted.
type NewJob struct {
	Job      *model.Job
	Tasks    []*model.Task
	Parents  []model.JobID
	Notified []*model.JobNotifiedUser
	Software []*model.JobSoftwareRequirement
	Tags     []*model.JobTagRequirement
}

// Client defines an interface that has the ability to manage every kind of
// logic abstraction in the metastore: jobs, tasks, dependency edges, the
// lookup catalogs and statistics.
type Client interface {
	// JobClient is the interface to operate job rows.
	JobClient
	// TaskClient is the interface to operate task rows.
	TaskClient
	// DependencyClient is the interface to operate dependency edges and
	// failed-agent memberships.
	DependencyClient
	// CatalogClient is the interface to the lookup catalogs.
	CatalogClient
	// StatisticsClient is the interface to the statistics tables.
	StatisticsClient

	// InitAllTables migrates every metastore table.
	InitAllTables(ctx context.Context) error
	Close() error
}

// JobClient defines interface that manages jobs in the metastore.
type JobClient interface {
	InsertJobGraph(ctx context.Context, nj *NewJob) error
	GetJobByID(ctx context.Context, jobID model.JobID) (*model.Job, error)
	GetJobByTitle(ctx context.Context, title string) (*model.Job, error)
	QueryJobs(ctx context.Context) ([]*model.Job, error)
	QueryJobsToDelete(ctx context.Context) ([]*model.Job, error)
	UpdateJobColumns(ctx context.Context, jobID model.JobID, values map[string]interface{}) (Result, error)

	// UpdateJobAndReconcileTasks updates job columns and reconciles the task
	// rows against the target frame expansion in a single transaction. When
	// the reconciliation is rejected the column updates roll back with it.
	UpdateJobAndReconcileTasks(ctx context.Context, jobID model.JobID, values map[string]interface{},
		target []decimal.Decimal, makeTask func(f decimal.Decimal, tile *int) *model.Task) (added, removed []*model.Task, err error)

	// MarkJobForDeletion flags the job and its transitive dependents and
	// returns every job flagged, the argument included.
	MarkJobForDeletion(ctx context.Context, jobID model.JobID) ([]model.JobID, error)
	// DeleteJobGraph removes the job row together with its tasks and every
	// edge row referencing either.
	DeleteJobGraph(ctx context.Context, jobID model.JobID) (Result, error)
}

// TaskClient defines interface that manages tasks in the metastore.
type TaskClient interface {
	GetTaskByID(ctx context.Context, taskID model.TaskID) (*model.Task, error)
	QueryTasksByJob(ctx context.Context, jobID model.JobID) ([]*model.Task, error)
	UpdateTaskColumns(ctx context.Context, taskID model.TaskID, values map[string]interface{}) (Result, error)
	CountActiveTasksOnAgent(ctx context.Context, agentID model.AgentID) (int64, error)
	QueryTaskStateCounts(ctx context.Context, jobID model.JobID, requeueBudget int) (TaskStateCounts, error)

	// ReconcileTasks aligns the job's task rows with the target frame
	// expansion. Missing (frame, tile) rows are created through makeTask,
	// rows outside the target are removed. Both deltas are returned.
	ReconcileTasks(ctx context.Context, jobID model.JobID, target []decimal.Decimal,
		makeTask func(f decimal.Decimal, tile *int) *model.Task) (added, removed []*model.Task, err error)

	// ApplyTaskTransition locks the task row, lets mutate rewrite it against
	// its owning job and persists the result, all in one transaction. An
	// error from mutate rolls everything back.
	ApplyTaskTransition(ctx context.Context, taskID model.TaskID,
		mutate func(task *model.Task, job *model.Job) error) (*model.Task, error)
}

// DependencyClient defines interface that manages dependency edges and the
// per-task failed-agent set.
type DependencyClient interface {
	AddJobDependency(ctx context.Context, parentID, childID model.JobID) error
	RemoveJobDependency(ctx context.Context, parentID, childID model.JobID) (Result, error)
	QueryJobDependencies(ctx context.Context) ([]*model.JobDependency, error)
	QueryParentJobs(ctx context.Context, jobID model.JobID) ([]*model.Job, error)

	AddTaskFailedAgent(ctx context.Context, taskID model.TaskID, agentID model.AgentID) (Result, error)
	RemoveTaskFailedAgent(ctx context.Context, taskID model.TaskID, agentID model.AgentID) (Result, error)
	QueryTaskFailedAgents(ctx context.Context, taskID model.TaskID) ([]model.AgentID, error)

	// UpsertJobNotifiedUser subscribes a user to a job's notifications; an
	// existing subscription gets its flags overwritten.
	UpsertJobNotifiedUser(ctx context.Context, row *model.JobNotifiedUser) error
	QueryJobNotifiedUsers(ctx context.Context, jobID model.JobID) ([]*model.JobNotifiedUser, error)
	DeleteJobNotifiedUser(ctx context.Context, jobID model.JobID, userID uint) (Result, error)
}

// CatalogClient defines interface that reads (and where autocreation is on,
// writes) the lookup catalogs.
type CatalogClient interface {
	GetJobTypeVersion(ctx context.Context, name string, version *int) (*model.JobTypeVersion, error)
	GetJobTypeVersionByID(ctx context.Context, id uint) (*model.JobTypeVersion, error)
	GetSoftwareByName(ctx context.Context, name string) (*model.Software, error)
	GetSoftwareVersion(ctx context.Context, softwareID uint, version string) (*model.SoftwareVersion, error)
	GetTagByName(ctx context.Context, tag string) (*model.Tag, error)
	GetOrCreateTag(ctx context.Context, tag string) (*model.Tag, error)
	GetUserByName(ctx context.Context, username string) (*model.User, error)
	GetOrCreateUser(ctx context.Context, username, email string) (*model.User, error)
	ResolveJobQueuePath(ctx context.Context, path string) (*model.JobQueue, error)
	GetAgent(ctx context.Context, agentID model.AgentID) (*model.Agent, error)
}

// StatisticsClient defines interface that appends statistics records.
type StatisticsClient interface {
	CreateTaskEvent(ctx context.Context, event *model.TaskEventCount) error
}

// NewClient returns a metastore client on top of an open sql connection.
// The connection is not owned; Close never closes it.
func NewClient(sqlDB *sql.DB, slowThreshold time.Duration) (Client, error) {
	ormDB, err := ormUtil.NewGormDB(sqlDB, slowThreshold)
	if err != nil {
		return nil, err
	}
	return &metaOpsClient{db: ormDB}, nil
}

// NewClientFromDB wraps an existing gorm handle, used by tests.
func NewClientFromDB(db *gorm.DB) Client {
	return &metaOpsClient{db: db}
}

// metaOpsClient is the meta operations client for the farm metastore.
type metaOpsClient struct {
	// gorm claims to be thread safe
	db *gorm.DB
}

func (c *metaOpsClient) Close() error {
	// DO NOT CLOSE the underlying connection
	return nil
}

// InitAllTables migrates every metastore table.
func (c *metaOpsClient) InitAllTables(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(globalModels...); err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	return nil
}

// ///////////////////////////// Job Operation

// InsertJobGraph inserts the job row with its tasks, parent edges and
// requirement rows in one transaction.
func (c *metaOpsClient) InsertJobGraph(ctx context.Context, nj *NewJob) error {
	if nj == nil || nj.Job == nil {
		return errors.ErrMetaOpFail.GenWithStack("input job is nil")
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(nj.Job).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		for _, task := range nj.Tasks {
			task.JobID = nj.Job.ID
		}
		if len(nj.Tasks) > 0 {
			if err := tx.Create(nj.Tasks).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		for _, parentID := range nj.Parents {
			edge := &model.JobDependency{ParentID: parentID, ChildID: nj.Job.ID}
			if err := tx.Create(edge).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		for _, n := range nj.Notified {
			n.JobID = nj.Job.ID
		}
		if len(nj.Notified) > 0 {
			if err := tx.Create(nj.Notified).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		for _, r := range nj.Software {
			r.JobID = nj.Job.ID
		}
		if len(nj.Software) > 0 {
			if err := tx.Create(nj.Software).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		for _, r := range nj.Tags {
			r.JobID = nj.Job.ID
		}
		if len(nj.Tags) > 0 {
			if err := tx.Create(nj.Tags).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		return nil
	})
	return err
}

// GetJobByID queries one job by id.
func (c *metaOpsClient) GetJobByID(ctx context.Context, jobID model.JobID) (*model.Job, error) {
	var job model.Job
	if err := c.db.WithContext(ctx).
		Where("id = ?", jobID).
		First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &job, nil
}

// GetJobByTitle queries one job by its unique title.
func (c *metaOpsClient) GetJobByTitle(ctx context.Context, title string) (*model.Job, error) {
	var job model.Job
	if err := c.db.WithContext(ctx).
		Where("title = ?", title).
		First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrJobNotFound.GenWithStackByArgs(title)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &job, nil
}

// QueryJobs queries all jobs.
func (c *metaOpsClient) QueryJobs(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job
	if err := c.db.WithContext(ctx).
		Find(&jobs).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return jobs, nil
}

// QueryJobsToDelete queries jobs flagged for deletion, for the reaper.
func (c *metaOpsClient) QueryJobsToDelete(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job
	if err := c.db.WithContext(ctx).
		Where("to_be_deleted = ?", true).
		Find(&jobs).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return jobs, nil
}

// UpdateJobColumns updates the given columns of one job.
func (c *metaOpsClient) UpdateJobColumns(
	ctx context.Context, jobID model.JobID, values map[string]interface{},
) (Result, error) {
	exec := c.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(values)
	if exec.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(exec.Error)
	}
	return &ormResult{rowsAffected: exec.RowsAffected}, nil
}

// MarkJobForDeletion flags the job and everything downstream of it.
func (c *metaOpsClient) MarkJobForDeletion(ctx context.Context, jobID model.JobID) ([]model.JobID, error) {
	var marked []model.JobID
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Job{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if count == 0 {
			return errors.ErrJobNotFound.GenWithStackByArgs(jobID)
		}

		var edges []*model.JobDependency
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Find(&edges).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}

		graph := NewDepGraph(edges)
		marked = descendantsOf(graph, jobID)
		if err := tx.Model(&model.Job{}).
			Where("id IN ?", marked).
			Updates(map[string]interface{}{"to_be_deleted": true}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// descendantsOf returns job plus its transitive children, in BFS order.
func descendantsOf(g *DepGraph, job model.JobID) []model.JobID {
	order := []model.JobID{job}
	seen := map[model.JobID]struct{}{job: {}}
	for i := 0; i < len(order); i++ {
		for _, child := range g.Children(order[i]) {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			order = append(order, child)
		}
	}
	return order
}

// DeleteJobGraph removes one job and all rows hanging off it.
func (c *metaOpsClient) DeleteJobGraph(ctx context.Context, jobID model.JobID) (Result, error) {
	result := &ormResult{}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Refuse while live jobs still depend on this one. Dependents that
		// are themselves flagged for deletion do not count; cascade marking
		// flags them before the reaper gets here.
		childIDs := tx.Model(&model.JobDependency{}).Select("child_id").Where("parent_id = ?", jobID)
		var dependents int64
		if err := tx.Model(&model.Job{}).
			Where("id IN (?) AND to_be_deleted = ?", childIDs, false).
			Count(&dependents).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if dependents > 0 {
			return errors.ErrJobInUse.GenWithStackByArgs(jobID)
		}

		taskIDs := tx.Model(&model.Task{}).Select("id").Where("job_id = ?", jobID)
		if err := tx.Where("task_id IN (?)", taskIDs).
			Delete(&model.TaskFailedAgent{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		taskIDs = tx.Model(&model.Task{}).Select("id").Where("job_id = ?", jobID)
		if err := tx.Where("parent_id IN (?) OR child_id IN (?)", taskIDs, taskIDs).
			Delete(&model.TaskDependency{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if err := tx.Where("job_id = ?", jobID).
			Delete(&model.Task{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if err := tx.Where("parent_id = ? OR child_id = ?", jobID, jobID).
			Delete(&model.JobDependency{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if err := tx.Where("job_id = ?", jobID).
			Delete(&model.JobNotifiedUser{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if err := tx.Where("job_id = ?", jobID).
			Delete(&model.JobSoftwareRequirement{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if err := tx.Where("job_id = ?", jobID).
			Delete(&model.JobTagRequirement{}).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		exec := tx.Where("id = ?", jobID).Delete(&model.Job{})
		if exec.Error != nil {
			return errors.ErrMetaOpFail.Wrap(exec.Error)
		}
		result.rowsAffected = exec.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ///////////////////////////// Task Operation

// GetTaskByID queries one task by id.
func (c *metaOpsClient) GetTaskByID(ctx context.Context, taskID model.TaskID) (*model.Task, error) {
	var task model.Task
	if err := c.db.WithContext(ctx).
		Where("id = ?", taskID).
		First(&task).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrTaskNotFound.GenWithStackByArgs(taskID)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &task, nil
}

// QueryTasksByJob queries all tasks of a job in frame order.
func (c *metaOpsClient) QueryTasksByJob(ctx context.Context, jobID model.JobID) ([]*model.Task, error) {
	var tasks []*model.Task
	if err := c.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("frame ASC").Order("tile ASC").
		Find(&tasks).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return tasks, nil
}

// UpdateTaskColumns updates the given columns of one task.
func (c *metaOpsClient) UpdateTaskColumns(
	ctx context.Context, taskID model.TaskID, values map[string]interface{},
) (Result, error) {
	exec := c.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ?", taskID).
		Updates(values)
	if exec.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(exec.Error)
	}
	return &ormResult{rowsAffected: exec.RowsAffected}, nil
}

// CountActiveTasksOnAgent counts tasks held by the agent that are not in a
// terminal state, the batch admission input of the dispatcher.
func (c *metaOpsClient) CountActiveTasksOnAgent(ctx context.Context, agentID model.AgentID) (int64, error) {
	var count int64
	if err := c.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("agent_id = ? AND (state IS NULL OR state = ?)", agentID, model.WorkStateRunning).
		Count(&count).Error; err != nil {
		return 0, errors.ErrMetaOpFail.Wrap(err)
	}
	return count, nil
}

// QueryTaskStateCounts scans the job's task rows into aggregation inputs.
func (c *metaOpsClient) QueryTaskStateCounts(
	ctx context.Context, jobID model.JobID, requeueBudget int,
) (TaskStateCounts, error) {
	var counts TaskStateCounts
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []struct {
			State *model.WorkState
			N     int64
		}
		if err := tx.Model(&model.Task{}).
			Select("state, count(*) as n").
			Where("job_id = ?", jobID).
			Group("state").
			Find(&rows).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		for _, row := range rows {
			counts.Total += row.N
			if row.State == nil {
				continue
			}
			switch *row.State {
			case model.WorkStateRunning:
				counts.Running += row.N
			case model.WorkStateDone:
				counts.Done += row.N
			case model.WorkStateFailed:
				counts.Failed += row.N
			}
		}

		if counts.Failed > 0 && requeueBudget != model.RequeueUnlimited {
			if err := tx.Model(&model.Task{}).
				Where("job_id = ? AND state = ? AND failures > ?",
					jobID, model.WorkStateFailed, requeueBudget).
				Count(&counts.Exhausted).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		if err := tx.Model(&model.Task{}).
			Where("job_id = ? AND state IS NULL AND agent_id IS NOT NULL", jobID).
			Count(&counts.Assigned).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return TaskStateCounts{}, err
	}
	return counts, nil
}

// ReconcileTasks aligns task rows with the target frame expansion.
func (c *metaOpsClient) ReconcileTasks(
	ctx context.Context, jobID model.JobID, target []decimal.Decimal,
	makeTask func(f decimal.Decimal, tile *int) *model.Task,
) (added, removed []*model.Task, err error) {
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		added, removed, txErr = reconcileTasksInTx(tx, jobID, target, makeTask)
		return txErr
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

// UpdateJobAndReconcileTasks applies the column updates and aligns the task
// rows with the target frame expansion in one transaction, so a rejected
// reconciliation rolls the column updates back as well.
func (c *metaOpsClient) UpdateJobAndReconcileTasks(
	ctx context.Context, jobID model.JobID, values map[string]interface{},
	target []decimal.Decimal, makeTask func(f decimal.Decimal, tile *int) *model.Task,
) (added, removed []*model.Task, err error) {
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(values) > 0 {
			if err := tx.Model(&model.Job{}).
				Where("id = ?", jobID).
				Updates(values).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
		}
		var txErr error
		added, removed, txErr = reconcileTasksInTx(tx, jobID, target, makeTask)
		return txErr
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

func reconcileTasksInTx(
	tx *gorm.DB, jobID model.JobID, target []decimal.Decimal,
	makeTask func(f decimal.Decimal, tile *int) *model.Task,
) (added, removed []*model.Task, err error) {
	var job model.Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", jobID).
		First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
		}
		return nil, nil, errors.ErrMetaOpFail.Wrap(err)
	}

	var tasks []*model.Task
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("job_id = ?", jobID).
		Find(&tasks).Error; err != nil {
		return nil, nil, errors.ErrMetaOpFail.Wrap(err)
	}

	existing := make([]decimal.Decimal, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		key := t.Frame.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, t.Frame)
	}

	toAdd, toRemove := frame.Diff(existing, target)
	for _, f := range toAdd {
		for _, tile := range frame.Tiles(job.NumTiles) {
			task := makeTask(f, tile)
			task.JobID = jobID
			added = append(added, task)
		}
	}
	if len(added) > 0 {
		if err := tx.Create(added).Error; err != nil {
			return nil, nil, errors.ErrMetaOpFail.Wrap(err)
		}
	}

	if len(toRemove) > 0 {
		gone := make(map[string]struct{}, len(toRemove))
		for _, f := range toRemove {
			gone[f.String()] = struct{}{}
		}
		ids := make([]model.TaskID, 0, len(toRemove))
		for _, t := range tasks {
			if _, ok := gone[t.Frame.String()]; !ok {
				continue
			}
			// A running task cannot be deleted out from under its
			// agent; the caller must wait for the report.
			if t.Running() {
				return nil, nil, errors.ErrTaskStillRunning.GenWithStackByArgs(t.ID)
			}
			removed = append(removed, t)
			ids = append(ids, t.ID)
		}
		if err := tx.Where("id IN ?", ids).
			Delete(&model.Task{}).Error; err != nil {
			return nil, nil, errors.ErrMetaOpFail.Wrap(err)
		}
		if err := tx.Where("task_id IN ?", ids).
			Delete(&model.TaskFailedAgent{}).Error; err != nil {
			return nil, nil, errors.ErrMetaOpFail.Wrap(err)
		}
	}
	return added, removed, nil
}

// ApplyTaskTransition runs one locked read-mutate-write round on a task.
func (c *metaOpsClient) ApplyTaskTransition(
	ctx context.Context, taskID model.TaskID,
	mutate func(task *model.Task, job *model.Job) error,
) (*model.Task, error) {
	var task model.Task
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", taskID).
			First(&task).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errors.ErrTaskNotFound.GenWithStackByArgs(taskID)
			}
			return errors.ErrMetaOpFail.Wrap(err)
		}
		var job model.Job
		if err := tx.Where("id = ?", task.JobID).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errors.ErrJobNotFound.GenWithStackByArgs(task.JobID)
			}
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if err := mutate(&task, &job); err != nil {
			return err
		}
		if err := tx.Model(&model.Task{}).
			Where("id = ?", task.ID).
			Updates(task.Map()).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ///////////////////////////// Dependency Operation

// AddJobDependency inserts the edge parentID -> childID after checking that
// it keeps the graph acyclic. Inserting an existing edge is a no-op.
func (c *metaOpsClient) AddJobDependency(ctx context.Context, parentID, childID model.JobID) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []model.JobID{parentID, childID} {
			var count int64
			if err := tx.Model(&model.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return errors.ErrMetaOpFail.Wrap(err)
			}
			if count == 0 {
				return errors.ErrJobNotFound.GenWithStackByArgs(id)
			}
		}

		var edges []*model.JobDependency
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Find(&edges).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		if NewDepGraph(edges).WouldCycle(parentID, childID) {
			return errors.ErrDependencyCycle.GenWithStackByArgs(parentID, childID)
		}

		edge := &model.JobDependency{ParentID: parentID, ChildID: childID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(edge).Error; err != nil {
			return errors.ErrMetaOpFail.Wrap(err)
		}
		return nil
	})
}

// RemoveJobDependency deletes the edge parentID -> childID.
func (c *metaOpsClient) RemoveJobDependency(ctx context.Context, parentID, childID model.JobID) (Result, error) {
	exec := c.db.WithContext(ctx).
		Where("parent_id = ? AND child_id = ?", parentID, childID).
		Delete(&model.JobDependency{})
	if exec.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(exec.Error)
	}
	return &ormResult{rowsAffected: exec.RowsAffected}, nil
}

// QueryJobDependencies queries the whole edge table.
func (c *metaOpsClient) QueryJobDependencies(ctx context.Context) ([]*model.JobDependency, error) {
	var edges []*model.JobDependency
	if err := c.db.WithContext(ctx).
		Find(&edges).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return edges, nil
}

// QueryParentJobs queries the direct parents of a job.
func (c *metaOpsClient) QueryParentJobs(ctx context.Context, jobID model.JobID) ([]*model.Job, error) {
	var jobs []*model.Job
	parentIDs := c.db.Model(&model.JobDependency{}).
		Select("parent_id").Where("child_id = ?", jobID)
	if err := c.db.WithContext(ctx).
		Where("id IN (?)", parentIDs).
		Find(&jobs).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return jobs, nil
}

// AddTaskFailedAgent records the failed-on membership, idempotently.
func (c *metaOpsClient) AddTaskFailedAgent(
	ctx context.Context, taskID model.TaskID, agentID model.AgentID,
) (Result, error) {
	row := &model.TaskFailedAgent{TaskID: taskID, AgentID: agentID}
	exec := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if exec.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(exec.Error)
	}
	return &ormResult{rowsAffected: exec.RowsAffected}, nil
}

// RemoveTaskFailedAgent clears the failed-on membership.
func (c *metaOpsClient) RemoveTaskFailedAgent(
	ctx context.Context, taskID model.TaskID, agentID model.AgentID,
) (Result, error) {
	exec := c.db.WithContext(ctx).
		Where("task_id = ? AND agent_id = ?", taskID, agentID).
		Delete(&model.TaskFailedAgent{})
	if exec.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(exec.Error)
	}
	return &ormResult{rowsAffected: exec.RowsAffected}, nil
}

// QueryTaskFailedAgents lists the agents a task already failed on.
func (c *metaOpsClient) QueryTaskFailedAgents(ctx context.Context, taskID model.TaskID) ([]model.AgentID, error) {
	var agents []model.AgentID
	if err := c.db.WithContext(ctx).
		Model(&model.TaskFailedAgent{}).
		Where("task_id = ?", taskID).
		Pluck("agent_id", &agents).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return agents, nil
}

// UpsertJobNotifiedUser creates the subscription row, or overwrites the
// notification flags when the (job, user) pair already exists.
func (c *metaOpsClient) UpsertJobNotifiedUser(ctx context.Context, row *model.JobNotifiedUser) error {
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"on_success", "on_failure", "on_deletion"}),
		}).
		Create(row).Error; err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	return nil
}

// QueryJobNotifiedUsers lists a job's notification subscriptions.
func (c *metaOpsClient) QueryJobNotifiedUsers(
	ctx context.Context, jobID model.JobID,
) ([]*model.JobNotifiedUser, error) {
	var rows []*model.JobNotifiedUser
	if err := c.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Find(&rows).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return rows, nil
}

// DeleteJobNotifiedUser removes one subscription.
func (c *metaOpsClient) DeleteJobNotifiedUser(
	ctx context.Context, jobID model.JobID, userID uint,
) (Result, error) {
	exec := c.db.WithContext(ctx).
		Where("job_id = ? AND user_id = ?", jobID, userID).
		Delete(&model.JobNotifiedUser{})
	if exec.Error != nil {
		return nil, errors.ErrMetaOpFail.Wrap(exec.Error)
	}
	return &ormResult{rowsAffected: exec.RowsAffected}, nil
}

// ///////////////////////////// Catalog Operation

// GetJobTypeVersion resolves a jobtype name to one of its versions, the
// latest when version is nil.
func (c *metaOpsClient) GetJobTypeVersion(
	ctx context.Context, name string, version *int,
) (*model.JobTypeVersion, error) {
	var jobType model.JobType
	if err := c.db.WithContext(ctx).
		Where("name = ?", name).
		First(&jobType).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrJobTypeNotFound.GenWithStackByArgs(name)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}

	var jtv model.JobTypeVersion
	query := c.db.WithContext(ctx).Where("jobtype_id = ?", jobType.ID)
	if version != nil {
		query = query.Where("version = ?", *version)
	} else {
		query = query.Order("version DESC")
	}
	if err := query.First(&jtv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrJobTypeNotFound.GenWithStackByArgs(name)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &jtv, nil
}

// GetJobTypeVersionByID queries one jobtype version by its row ID.
func (c *metaOpsClient) GetJobTypeVersionByID(ctx context.Context, id uint) (*model.JobTypeVersion, error) {
	var jtv model.JobTypeVersion
	if err := c.db.WithContext(ctx).
		Where("id = ?", id).
		First(&jtv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrJobTypeNotFound.GenWithStackByArgs(id)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &jtv, nil
}

// GetSoftwareByName queries one software by name.
func (c *metaOpsClient) GetSoftwareByName(ctx context.Context, name string) (*model.Software, error) {
	var software model.Software
	if err := c.db.WithContext(ctx).
		Where("name = ?", name).
		First(&software).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrSoftwareNotFound.GenWithStackByArgs(name)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &software, nil
}

// GetSoftwareVersion queries one version row of a software.
func (c *metaOpsClient) GetSoftwareVersion(
	ctx context.Context, softwareID uint, version string,
) (*model.SoftwareVersion, error) {
	var sv model.SoftwareVersion
	if err := c.db.WithContext(ctx).
		Where("software_id = ? AND version = ?", softwareID, version).
		First(&sv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrSoftwareVersionNotFound.GenWithStackByArgs(version, softwareID)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &sv, nil
}

// GetTagByName queries one tag by name.
func (c *metaOpsClient) GetTagByName(ctx context.Context, tag string) (*model.Tag, error) {
	var out model.Tag
	if err := c.db.WithContext(ctx).
		Where("tag = ?", tag).
		First(&out).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrTagNotFound.GenWithStackByArgs(tag)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &out, nil
}

// GetOrCreateTag fetches a tag row, creating it when missing.
func (c *metaOpsClient) GetOrCreateTag(ctx context.Context, tag string) (*model.Tag, error) {
	row := &model.Tag{Tag: tag}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	var out model.Tag
	if err := c.db.WithContext(ctx).
		Where("tag = ?", tag).
		First(&out).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &out, nil
}

// GetUserByName queries one user by username.
func (c *metaOpsClient) GetUserByName(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := c.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrUserNotFound.GenWithStackByArgs(username)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &user, nil
}

// GetOrCreateUser fetches a user row, creating it with the given email when
// missing.
func (c *metaOpsClient) GetOrCreateUser(ctx context.Context, username, email string) (*model.User, error) {
	row := &model.User{Username: username, Email: email}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	var out model.User
	if err := c.db.WithContext(ctx).
		Where("username = ?", username).
		First(&out).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &out, nil
}

// ResolveJobQueuePath walks a slash-separated queue path from the roots.
func (c *metaOpsClient) ResolveJobQueuePath(ctx context.Context, path string) (*model.JobQueue, error) {
	segments := make([]string, 0, 4)
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return nil, errors.ErrJobQueueNotFound.GenWithStackByArgs(path)
	}

	var (
		queue  model.JobQueue
		parent *uint
	)
	for _, name := range segments {
		query := c.db.WithContext(ctx).Where("name = ?", name)
		if parent == nil {
			query = query.Where("parent_id IS NULL")
		} else {
			query = query.Where("parent_id = ?", *parent)
		}
		if err := query.First(&queue).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, errors.ErrJobQueueNotFound.GenWithStackByArgs(path)
			}
			return nil, errors.ErrMetaOpFail.Wrap(err)
		}
		id := queue.ID
		parent = &id
	}
	return &queue, nil
}

// GetAgent queries one agent by its registration UUID.
func (c *metaOpsClient) GetAgent(ctx context.Context, agentID model.AgentID) (*model.Agent, error) {
	var agent model.Agent
	if err := c.db.WithContext(ctx).
		Where("id = ?", agentID).
		First(&agent).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrAgentNotFound.GenWithStackByArgs(agentID)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &agent, nil
}

// ///////////////////////////// Statistics Operation

// CreateTaskEvent appends one statistics record.
func (c *metaOpsClient) CreateTaskEvent(ctx context.Context, event *model.TaskEventCount) error {
	if event == nil {
		return errors.ErrMetaOpFail.GenWithStack("input task event is nil")
	}
	if err := c.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	return nil
}

// Result defines a query result interface
type Result interface {
	RowsAffected() int64
}

type ormResult struct {
	rowsAffected int64
}

// RowsAffected return the affected rows of an execution
func (r ormResult) RowsAffected() int64 {
	return r.rowsAffected
}
