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
	"sort"
	"sync"
	"time"

	"github.com/framefarm/framefarm/model"
	"github.com/framefarm/framefarm/pkg/errors"
	"github.com/framefarm/framefarm/pkg/frame"
	"github.com/shopspring/decimal"
)

// fakeClient is an in-memory Client used by the scheduler tests. It mirrors
// the store semantics closely enough for the engine logic on top to be
// exercised without a database.
type fakeClient struct {
	mu sync.Mutex

	jobs  map[model.JobID]*model.Job
	tasks map[model.TaskID]*model.Task
	edges []*model.JobDependency

	failedAgents map[model.TaskID]map[model.AgentID]struct{}
	notified     map[model.JobID]map[uint]*model.JobNotifiedUser

	jobTypes map[string]*model.JobTypeVersion
	users    map[string]*model.User
	tags     map[string]*model.Tag
	agents   map[model.AgentID]*model.Agent
	queues   map[string]*model.JobQueue

	events []*model.TaskEventCount

	nextJobID  model.JobID
	nextTaskID model.TaskID
	nextUserID uint

	// jobColumnUpdates logs every UpdateJobColumns call, so tests can
	// assert aggregation idempotence.
	jobColumnUpdates []map[string]interface{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		jobs:         make(map[model.JobID]*model.Job),
		tasks:        make(map[model.TaskID]*model.Task),
		failedAgents: make(map[model.TaskID]map[model.AgentID]struct{}),
		notified:     make(map[model.JobID]map[uint]*model.JobNotifiedUser),
		jobTypes: map[string]*model.JobTypeVersion{
			"blender": {ID: 1, JobTypeID: 1, Version: 1, SupportsTiling: true},
			"ffmpeg":  {ID: 2, JobTypeID: 2, Version: 1},
			"sim":     {ID: 3, JobTypeID: 3, Version: 1, NoAutomaticStartTime: true},
		},
		users: make(map[string]*model.User),
		tags:  make(map[string]*model.Tag),
		agents: map[model.AgentID]*model.Agent{
			"agent-1": {ID: "agent-1", Hostname: "render01", RemoteIP: "10.0.0.1", State: model.AgentOnline},
			"agent-2": {ID: "agent-2", Hostname: "render02", RemoteIP: "10.0.0.2", State: model.AgentOnline},
		},
		queues: map[string]*model.JobQueue{
			"films/alpha": {ID: 3, Name: "alpha", FullPath: "films/alpha"},
		},
	}
}

func (f *fakeClient) InitAllTables(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                            { return nil }

func (f *fakeClient) InsertJobGraph(ctx context.Context, nj *NewJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJobID++
	nj.Job.ID = f.nextJobID
	f.jobs[nj.Job.ID] = nj.Job
	for _, task := range nj.Tasks {
		f.nextTaskID++
		task.ID = f.nextTaskID
		task.JobID = nj.Job.ID
		f.tasks[task.ID] = task
	}
	for _, parentID := range nj.Parents {
		f.edges = append(f.edges, &model.JobDependency{ParentID: parentID, ChildID: nj.Job.ID})
	}
	for _, row := range nj.Notified {
		row.JobID = nj.Job.ID
		set, ok := f.notified[nj.Job.ID]
		if !ok {
			set = make(map[uint]*model.JobNotifiedUser)
			f.notified[nj.Job.ID] = set
		}
		set[row.UserID] = row
	}
	return nil
}

func (f *fakeClient) GetJobByID(ctx context.Context, jobID model.JobID) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	copied := *job
	return &copied, nil
}

func (f *fakeClient) GetJobByTitle(ctx context.Context, title string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.Title == title {
			copied := *job
			return &copied, nil
		}
	}
	return nil, errors.ErrJobNotFound.GenWithStackByArgs(title)
}

func (f *fakeClient) QueryJobs(ctx context.Context) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := make([]*model.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	return jobs, nil
}

func (f *fakeClient) QueryJobsToDelete(ctx context.Context) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []*model.Job
	for _, job := range f.jobs {
		if job.ToBeDeleted {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	return jobs, nil
}

func (f *fakeClient) UpdateJobColumns(
	ctx context.Context, jobID model.JobID, values map[string]interface{},
) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return &ormResult{}, nil
	}
	f.jobColumnUpdates = append(f.jobColumnUpdates, values)
	for key, value := range values {
		switch key {
		case "title":
			job.Title = value.(string)
		case "start":
			job.Start = value.(decimal.Decimal)
		case "end":
			job.End = value.(decimal.Decimal)
		case "by":
			job.By = value.(decimal.Decimal)
		case "batch":
			job.Batch, _ = patchInt(value)
		case "requeue":
			job.Requeue, _ = patchInt(value)
		case "cpus":
			job.CPUs, _ = patchInt(value)
		case "ram":
			job.RAM, _ = patchInt(value)
		case "priority":
			job.Priority, _ = patchInt(value)
		case "hidden":
			job.Hidden = value.(bool)
		case "notes":
			job.Notes = value.(string)
		case "to_be_deleted":
			job.ToBeDeleted = value.(bool)
		case "state":
			job.State = asStatePtr(value)
		case "state_explicit":
			job.StateExplicit = value.(bool)
		case "time_started":
			job.TimeStarted = asTimePtr(value)
		case "time_finished":
			job.TimeFinished = asTimePtr(value)
		}
	}
	return &ormResult{rowsAffected: 1}, nil
}

func asStatePtr(value interface{}) *model.WorkState {
	switch v := value.(type) {
	case nil:
		return nil
	case model.WorkState:
		return &v
	case *model.WorkState:
		if v == nil {
			return nil
		}
		s := *v
		return &s
	}
	return nil
}

func asTimePtr(value interface{}) *time.Time {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return &v
	case *time.Time:
		if v == nil {
			return nil
		}
		t := *v
		return &t
	}
	return nil
}

func (f *fakeClient) MarkJobForDeletion(ctx context.Context, jobID model.JobID) ([]model.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobID]; !ok {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	marked := descendantsOf(NewDepGraph(f.edges), jobID)
	for _, id := range marked {
		if job, ok := f.jobs[id]; ok {
			job.ToBeDeleted = true
		}
	}
	return marked, nil
}

func (f *fakeClient) DeleteJobGraph(ctx context.Context, jobID model.JobID) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.edges {
		if e.ParentID == jobID {
			if child, ok := f.jobs[e.ChildID]; ok && !child.ToBeDeleted {
				return nil, errors.ErrJobInUse.GenWithStackByArgs(jobID)
			}
		}
	}
	for id, task := range f.tasks {
		if task.JobID == jobID {
			delete(f.tasks, id)
			delete(f.failedAgents, id)
		}
	}
	kept := f.edges[:0]
	for _, e := range f.edges {
		if e.ParentID != jobID && e.ChildID != jobID {
			kept = append(kept, e)
		}
	}
	f.edges = kept
	delete(f.jobs, jobID)
	delete(f.notified, jobID)
	return &ormResult{rowsAffected: 1}, nil
}

func (f *fakeClient) GetTaskByID(ctx context.Context, taskID model.TaskID) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, errors.ErrTaskNotFound.GenWithStackByArgs(taskID)
	}
	copied := *task
	return &copied, nil
}

func (f *fakeClient) QueryTasksByJob(ctx context.Context, jobID model.JobID) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []*model.Task
	for _, task := range f.tasks {
		if task.JobID == jobID {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if c := tasks[i].Frame.Cmp(tasks[j].Frame); c != 0 {
			return c < 0
		}
		ti, tj := tasks[i].Tile, tasks[j].Tile
		if ti == nil || tj == nil {
			return tj != nil
		}
		return *ti < *tj
	})
	return tasks, nil
}

func (f *fakeClient) UpdateTaskColumns(
	ctx context.Context, taskID model.TaskID, values map[string]interface{},
) (Result, error) {
	return &ormResult{rowsAffected: 1}, nil
}

func (f *fakeClient) CountActiveTasksOnAgent(ctx context.Context, agentID model.AgentID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, task := range f.tasks {
		if task.AgentID != nil && *task.AgentID == agentID && (task.State == nil || task.Running()) {
			count++
		}
	}
	return count, nil
}

func (f *fakeClient) QueryTaskStateCounts(
	ctx context.Context, jobID model.JobID, requeueBudget int,
) (TaskStateCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts TaskStateCounts
	for _, task := range f.tasks {
		if task.JobID != jobID {
			continue
		}
		counts.Total++
		switch {
		case task.Running():
			counts.Running++
		case task.Done():
			counts.Done++
		case task.Failed():
			counts.Failed++
			if requeueBudget != model.RequeueUnlimited && task.Failures > requeueBudget {
				counts.Exhausted++
			}
		case task.AgentID != nil:
			counts.Assigned++
		}
	}
	return counts, nil
}

func (f *fakeClient) ReconcileTasks(
	ctx context.Context, jobID model.JobID, target []decimal.Decimal,
	makeTask func(fr decimal.Decimal, tile *int) *model.Task,
) (added, removed []*model.Task, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, nil, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}

	var existing []decimal.Decimal
	seen := make(map[string]struct{})
	for _, task := range f.tasks {
		if task.JobID != jobID {
			continue
		}
		if _, ok := seen[task.Frame.String()]; ok {
			continue
		}
		seen[task.Frame.String()] = struct{}{}
		existing = append(existing, task.Frame)
	}

	toAdd, toRemove := frame.Diff(existing, target)
	gone := make(map[string]struct{}, len(toRemove))
	for _, fr := range toRemove {
		gone[fr.String()] = struct{}{}
	}
	for _, task := range f.tasks {
		if task.JobID != jobID {
			continue
		}
		if _, ok := gone[task.Frame.String()]; !ok {
			continue
		}
		if task.Running() {
			return nil, nil, errors.ErrTaskStillRunning.GenWithStackByArgs(task.ID)
		}
		removed = append(removed, task)
	}
	for _, task := range removed {
		delete(f.tasks, task.ID)
		delete(f.failedAgents, task.ID)
	}
	for _, fr := range toAdd {
		for _, tile := range frame.Tiles(job.NumTiles) {
			task := makeTask(fr, tile)
			f.nextTaskID++
			task.ID = f.nextTaskID
			task.JobID = jobID
			f.tasks[task.ID] = task
			added = append(added, task)
		}
	}
	return added, removed, nil
}

func (f *fakeClient) UpdateJobAndReconcileTasks(
	ctx context.Context, jobID model.JobID, values map[string]interface{},
	target []decimal.Decimal, makeTask func(fr decimal.Decimal, tile *int) *model.Task,
) (added, removed []*model.Task, err error) {
	// The reconcile runs first: it rejects before mutating anything, so a
	// rejected range change leaves the job columns untouched, matching the
	// single-transaction store behavior.
	added, removed, err = f.ReconcileTasks(ctx, jobID, target, makeTask)
	if err != nil {
		return nil, nil, err
	}
	if len(values) > 0 {
		if _, err := f.UpdateJobColumns(ctx, jobID, values); err != nil {
			return nil, nil, err
		}
	}
	return added, removed, nil
}

func (f *fakeClient) ApplyTaskTransition(
	ctx context.Context, taskID model.TaskID,
	mutate func(task *model.Task, job *model.Job) error,
) (*model.Task, error) {
	// mutate may call back into the client (ownership checks), so it runs
	// outside the lock on a scratch copy.
	f.mu.Lock()
	task, ok := f.tasks[taskID]
	if !ok {
		f.mu.Unlock()
		return nil, errors.ErrTaskNotFound.GenWithStackByArgs(taskID)
	}
	job, ok := f.jobs[task.JobID]
	if !ok {
		f.mu.Unlock()
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(task.JobID)
	}
	scratch, jobCopy := *task, *job
	f.mu.Unlock()

	if err := mutate(&scratch, &jobCopy); err != nil {
		return nil, err
	}

	f.mu.Lock()
	*task = scratch
	f.mu.Unlock()
	copied := scratch
	return &copied, nil
}

func (f *fakeClient) AddJobDependency(ctx context.Context, parentID, childID model.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range []model.JobID{parentID, childID} {
		if _, ok := f.jobs[id]; !ok {
			return errors.ErrJobNotFound.GenWithStackByArgs(id)
		}
	}
	if NewDepGraph(f.edges).WouldCycle(parentID, childID) {
		return errors.ErrDependencyCycle.GenWithStackByArgs(parentID, childID)
	}
	for _, e := range f.edges {
		if e.ParentID == parentID && e.ChildID == childID {
			return nil
		}
	}
	f.edges = append(f.edges, &model.JobDependency{ParentID: parentID, ChildID: childID})
	return nil
}

func (f *fakeClient) RemoveJobDependency(ctx context.Context, parentID, childID model.JobID) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.edges[:0]
	var rows int64
	for _, e := range f.edges {
		if e.ParentID == parentID && e.ChildID == childID {
			rows++
			continue
		}
		kept = append(kept, e)
	}
	f.edges = kept
	return &ormResult{rowsAffected: rows}, nil
}

func (f *fakeClient) QueryJobDependencies(ctx context.Context) ([]*model.JobDependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.JobDependency(nil), f.edges...), nil
}

func (f *fakeClient) QueryParentJobs(ctx context.Context, jobID model.JobID) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parents []*model.Job
	for _, e := range f.edges {
		if e.ChildID != jobID {
			continue
		}
		if job, ok := f.jobs[e.ParentID]; ok {
			copied := *job
			parents = append(parents, &copied)
		}
	}
	return parents, nil
}

func (f *fakeClient) AddTaskFailedAgent(
	ctx context.Context, taskID model.TaskID, agentID model.AgentID,
) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.failedAgents[taskID]
	if !ok {
		set = make(map[model.AgentID]struct{})
		f.failedAgents[taskID] = set
	}
	if _, ok := set[agentID]; ok {
		return &ormResult{}, nil
	}
	set[agentID] = struct{}{}
	return &ormResult{rowsAffected: 1}, nil
}

func (f *fakeClient) RemoveTaskFailedAgent(
	ctx context.Context, taskID model.TaskID, agentID model.AgentID,
) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.failedAgents[taskID]
	if _, ok := set[agentID]; !ok {
		return &ormResult{}, nil
	}
	delete(set, agentID)
	return &ormResult{rowsAffected: 1}, nil
}

func (f *fakeClient) QueryTaskFailedAgents(ctx context.Context, taskID model.TaskID) ([]model.AgentID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var agents []model.AgentID
	for agentID := range f.failedAgents[taskID] {
		agents = append(agents, agentID)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	return agents, nil
}

func (f *fakeClient) UpsertJobNotifiedUser(ctx context.Context, row *model.JobNotifiedUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.notified[row.JobID]
	if !ok {
		set = make(map[uint]*model.JobNotifiedUser)
		f.notified[row.JobID] = set
	}
	copied := *row
	set[row.UserID] = &copied
	return nil
}

func (f *fakeClient) QueryJobNotifiedUsers(
	ctx context.Context, jobID model.JobID,
) ([]*model.JobNotifiedUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []*model.JobNotifiedUser
	for _, row := range f.notified[jobID] {
		copied := *row
		rows = append(rows, &copied)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows, nil
}

func (f *fakeClient) DeleteJobNotifiedUser(
	ctx context.Context, jobID model.JobID, userID uint,
) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.notified[jobID]
	if _, ok := set[userID]; !ok {
		return &ormResult{}, nil
	}
	delete(set, userID)
	return &ormResult{rowsAffected: 1}, nil
}

func (f *fakeClient) GetJobTypeVersion(
	ctx context.Context, name string, version *int,
) (*model.JobTypeVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jtv, ok := f.jobTypes[name]
	if !ok || (version != nil && *version != jtv.Version) {
		return nil, errors.ErrJobTypeNotFound.GenWithStackByArgs(name)
	}
	copied := *jtv
	return &copied, nil
}

func (f *fakeClient) GetJobTypeVersionByID(ctx context.Context, id uint) (*model.JobTypeVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, jtv := range f.jobTypes {
		if jtv.ID == id {
			copied := *jtv
			return &copied, nil
		}
	}
	return nil, errors.ErrJobTypeNotFound.GenWithStackByArgs(id)
}

func (f *fakeClient) GetSoftwareByName(ctx context.Context, name string) (*model.Software, error) {
	return nil, errors.ErrSoftwareNotFound.GenWithStackByArgs(name)
}

func (f *fakeClient) GetSoftwareVersion(
	ctx context.Context, softwareID uint, version string,
) (*model.SoftwareVersion, error) {
	return nil, errors.ErrSoftwareVersionNotFound.GenWithStackByArgs(version, softwareID)
}

func (f *fakeClient) GetTagByName(ctx context.Context, tag string) (*model.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.tags[tag]
	if !ok {
		return nil, errors.ErrTagNotFound.GenWithStackByArgs(tag)
	}
	copied := *row
	return &copied, nil
}

func (f *fakeClient) GetOrCreateTag(ctx context.Context, tag string) (*model.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.tags[tag]
	if !ok {
		row = &model.Tag{ID: uint(len(f.tags) + 1), Tag: tag}
		f.tags[tag] = row
	}
	copied := *row
	return &copied, nil
}

func (f *fakeClient) GetUserByName(ctx context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return nil, errors.ErrUserNotFound.GenWithStackByArgs(username)
	}
	copied := *user
	return &copied, nil
}

func (f *fakeClient) GetOrCreateUser(ctx context.Context, username, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		f.nextUserID++
		user = &model.User{ID: f.nextUserID, Username: username, Email: email}
		f.users[username] = user
	}
	copied := *user
	return &copied, nil
}

func (f *fakeClient) ResolveJobQueuePath(ctx context.Context, path string) (*model.JobQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue, ok := f.queues[path]
	if !ok {
		return nil, errors.ErrJobQueueNotFound.GenWithStackByArgs(path)
	}
	copied := *queue
	return &copied, nil
}

func (f *fakeClient) GetAgent(ctx context.Context, agentID model.AgentID) (*model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return nil, errors.ErrAgentNotFound.GenWithStackByArgs(agentID)
	}
	copied := *agent
	return &copied, nil
}

func (f *fakeClient) CreateTaskEvent(ctx context.Context, event *model.TaskEventCount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}
