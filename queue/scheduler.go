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

// Package queue implements the master-side scheduling core: job submission
// expands a frame range into task rows, agents report task transitions back,
// job state is aggregated from the task set and dependency edges gate what
// may be dispatched next. All state lives in the metastore; every operation
// loads, mutates and persists within its own transaction.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/framefarm/framefarm/metrics"
	"github.com/framefarm/framefarm/model"
	"github.com/framefarm/framefarm/pkg/config"
	"github.com/framefarm/framefarm/pkg/errors"
	"github.com/framefarm/framefarm/pkg/frame"
	"github.com/pingcap/log"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AssignReason says why an assignment pass is being requested.
type AssignReason int8

// Assignment reasons.
const (
	ReasonJobCreated = AssignReason(iota + 1)
	ReasonJobUpdated
	ReasonTaskFinished
	ReasonAgentFreed
)

var assignReasonStringify = [...]string{
	0:                  "",
	ReasonJobCreated:   "job-created",
	ReasonJobUpdated:   "job-updated",
	ReasonTaskFinished: "task-finished",
	ReasonAgentFreed:   "agent-freed",
}

// String implements fmt.Stringer.
func (r AssignReason) String() string {
	if int(r) >= len(assignReasonStringify) || r < 0 {
		return "unknown"
	}
	return assignReasonStringify[r]
}

// AssignmentNotifier is the fire-and-forget hook into the dispatcher. At
// least once delivery is enough; rapid notifications may be coalesced and
// the dispatcher is idempotent.
type AssignmentNotifier interface {
	NotifyAssign(reason AssignReason)
}

// TransitionRecorder is the statistics event sink, fed one record per task
// state transition when statistics are enabled.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, jobQueueID *uint, from, to model.TaskDisplayState)
}

// Scheduler is the facade the transport layer talks to. It owns no state of
// its own beyond the store client and configuration.
type Scheduler struct {
	cli Client
	cfg *config.Config
	clk clock.Clock

	notifier AssignmentNotifier
	recorder TransitionRecorder
}

// SchedulerOption configures optional scheduler collaborators.
type SchedulerOption func(*Scheduler)

// WithClock overrides the wall clock, used by tests.
func WithClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clk = clk }
}

// WithAssignmentNotifier wires the dispatcher notification hook.
func WithAssignmentNotifier(n AssignmentNotifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithTransitionRecorder wires the statistics sink.
func WithTransitionRecorder(r TransitionRecorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// NewScheduler builds a scheduler on top of a metastore client.
func NewScheduler(cli Client, cfg *config.Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cli: cli,
		cfg: cfg,
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) notify(reason AssignReason) {
	if s.notifier != nil {
		s.notifier.NotifyAssign(reason)
	}
}

func (s *Scheduler) record(ctx context.Context, jobQueueID *uint, from, to model.TaskDisplayState) {
	if s.recorder != nil && s.cfg.EnableStatistics && from != to {
		s.recorder.RecordTransition(ctx, jobQueueID, from, to)
	}
}

// NotifiedUserSpec subscribes a user to job lifecycle notifications.
type NotifiedUserSpec struct {
	Username   string
	OnSuccess  bool
	OnFailure  bool
	OnDeletion bool
}

// SoftwareRequirementSpec names a software, optionally bounded to a version
// window, required on the executing agent.
type SoftwareRequirementSpec struct {
	Software   string
	MinVersion *string
	MaxVersion *string
}

// TagRequirementSpec restricts assignment to agents carrying (or, negated,
// not carrying) a tag.
type TagRequirementSpec struct {
	Tag    string
	Negate bool
}

// CreateJobRequest carries a job submission. Frame range columns are exact
// decimal strings; End defaults to Start and By to 1 when empty.
type CreateJobRequest struct {
	Title          string
	JobType        string
	JobTypeVersion *int

	Start string
	End   string
	By    string

	NumTiles *int
	Batch    *int
	Requeue  *int
	CPUs     int
	RAM      int
	Priority int

	User   string
	Queue  string
	Notes  string
	Hidden bool

	// AutodeleteTime is the retention window in seconds after the job
	// finishes; nil picks the configured default.
	AutodeleteTime *int64

	Parents       []model.JobID
	NotifiedUsers []NotifiedUserSpec
	Software      []SoftwareRequirementSpec
	Tags          []TagRequirementSpec
}

// CreateJob validates a submission, expands its frame range into tasks and
// persists the whole job graph atomically.
func (s *Scheduler) CreateJob(ctx context.Context, req *CreateJobRequest) (*model.Job, error) {
	end, by := req.End, req.By
	if end == "" {
		end = req.Start
	}
	if by == "" {
		by = "1"
	}
	r, err := frame.NewRange(req.Start, end, by)
	if err != nil {
		return nil, errors.ErrInvalidRange.GenWithStackByArgs(req.Start, end, by)
	}
	frames, err := r.Expand()
	if err != nil {
		return nil, err
	}

	batch := s.cfg.Queue.DefaultBatch
	if req.Batch != nil {
		batch = *req.Batch
	}
	if batch < 1 {
		return nil, errors.ErrBadBatchSize.GenWithStackByArgs(batch)
	}
	requeue := s.cfg.Queue.DefaultRequeue
	if req.Requeue != nil {
		requeue = *req.Requeue
	}
	if requeue < model.RequeueUnlimited {
		return nil, errors.ErrBadRequeueLimit.GenWithStackByArgs(requeue)
	}
	if err := s.validateResource("cpus", req.CPUs, s.cfg.Queue.MinCPUs, s.cfg.Queue.MaxCPUs); err != nil {
		return nil, err
	}
	if err := s.validateResource("ram", req.RAM, s.cfg.Queue.MinRAM, s.cfg.Queue.MaxRAM); err != nil {
		return nil, err
	}

	jtv, err := s.cli.GetJobTypeVersion(ctx, req.JobType, req.JobTypeVersion)
	if err != nil {
		return nil, err
	}
	if req.NumTiles != nil && *req.NumTiles > 1 && !jtv.SupportsTiling {
		return nil, errors.ErrTilingNotSupported.GenWithStackByArgs(req.JobType)
	}

	if _, err := s.cli.GetJobByTitle(ctx, req.Title); err == nil {
		return nil, errors.ErrDuplicateJobTitle.GenWithStackByArgs(req.Title)
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	for _, parentID := range req.Parents {
		if _, err := s.cli.GetJobByID(ctx, parentID); err != nil {
			return nil, err
		}
	}

	var userID *uint
	if req.User != "" {
		user, err := s.lookupUser(ctx, req.User)
		if err != nil {
			return nil, err
		}
		userID = &user.ID
	}
	var queueID *uint
	if req.Queue != "" {
		jq, err := s.cli.ResolveJobQueuePath(ctx, req.Queue)
		if err != nil {
			return nil, err
		}
		queueID = &jq.ID
	}

	software, err := s.resolveSoftware(ctx, req.Software)
	if err != nil {
		return nil, err
	}
	tags, err := s.resolveTags(ctx, req.Tags)
	if err != nil {
		return nil, err
	}
	notified, err := s.resolveNotified(ctx, req.NotifiedUsers)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	autodelete := req.AutodeleteTime
	if retention := time.Duration(s.cfg.Queue.DefaultAutodelete); autodelete == nil && retention > 0 {
		seconds := int64(retention / time.Second)
		autodelete = &seconds
	}

	job := &model.Job{
		Title:            req.Title,
		JobTypeVersionID: jtv.ID,
		Start:            r.Start,
		End:              r.End,
		By:               r.By,
		NumTiles:         req.NumTiles,
		Batch:            batch,
		Requeue:          requeue,
		CPUs:             req.CPUs,
		RAM:              req.RAM,
		Priority:         req.Priority,
		Hidden:           req.Hidden,
		AutodeleteTime:   autodelete,
		JobQueueID:       queueID,
		UserID:           userID,
		Notes:            req.Notes,
		TimeSubmitted:    now,
	}

	var tasks []*model.Task
	for _, f := range frames {
		for _, tile := range frame.Tiles(req.NumTiles) {
			tasks = append(tasks, newTask(f, tile, req.Priority, now))
		}
	}

	err = s.cli.InsertJobGraph(ctx, &NewJob{
		Job:      job,
		Tasks:    tasks,
		Parents:  req.Parents,
		Notified: notified,
		Software: software,
		Tags:     tags,
	})
	if err != nil {
		return nil, err
	}

	log.Info("job created",
		zap.Uint("job-id", job.ID),
		zap.String("title", job.Title),
		zap.Int("tasks", len(tasks)))
	metrics.JobsCreatedCounter.Inc()
	s.notify(ReasonJobCreated)
	return job, nil
}

func newTask(f decimal.Decimal, tile *int, priority int, now time.Time) *model.Task {
	return &model.Task{
		Frame:         f,
		Tile:          tile,
		Priority:      priority,
		TimeSubmitted: now,
	}
}

func (s *Scheduler) validateResource(name string, value, min, max int) error {
	if value == model.ResourceNone || value == model.ResourceExclusive {
		return nil
	}
	if value < min || value > max {
		return errors.ErrResourceOutOfBounds.GenWithStackByArgs(name, min, max)
	}
	return nil
}

func (s *Scheduler) lookupUser(ctx context.Context, username string) (*model.User, error) {
	if s.cfg.Queue.AutocreateUsers {
		return s.cli.GetOrCreateUser(ctx, username, s.cfg.Queue.UserEmail(username))
	}
	return s.cli.GetUserByName(ctx, username)
}

func (s *Scheduler) resolveSoftware(
	ctx context.Context, specs []SoftwareRequirementSpec,
) ([]*model.JobSoftwareRequirement, error) {
	reqs := make([]*model.JobSoftwareRequirement, 0, len(specs))
	for _, spec := range specs {
		software, err := s.cli.GetSoftwareByName(ctx, spec.Software)
		if err != nil {
			return nil, err
		}
		req := &model.JobSoftwareRequirement{SoftwareID: software.ID}
		if spec.MinVersion != nil {
			sv, err := s.cli.GetSoftwareVersion(ctx, software.ID, *spec.MinVersion)
			if err != nil {
				return nil, err
			}
			req.MinVersionID = &sv.ID
		}
		if spec.MaxVersion != nil {
			sv, err := s.cli.GetSoftwareVersion(ctx, software.ID, *spec.MaxVersion)
			if err != nil {
				return nil, err
			}
			req.MaxVersionID = &sv.ID
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (s *Scheduler) resolveTags(
	ctx context.Context, specs []TagRequirementSpec,
) ([]*model.JobTagRequirement, error) {
	reqs := make([]*model.JobTagRequirement, 0, len(specs))
	for _, spec := range specs {
		var (
			tag *model.Tag
			err error
		)
		if s.cfg.Queue.AutocreateTags {
			tag, err = s.cli.GetOrCreateTag(ctx, spec.Tag)
		} else {
			tag, err = s.cli.GetTagByName(ctx, spec.Tag)
		}
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, &model.JobTagRequirement{TagID: tag.ID, Negate: spec.Negate})
	}
	return reqs, nil
}

func (s *Scheduler) resolveNotified(
	ctx context.Context, specs []NotifiedUserSpec,
) ([]*model.JobNotifiedUser, error) {
	rows := make([]*model.JobNotifiedUser, 0, len(specs))
	for _, spec := range specs {
		user, err := s.lookupUser(ctx, spec.Username)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &model.JobNotifiedUser{
			UserID:     user.ID,
			OnSuccess:  spec.OnSuccess,
			OnFailure:  spec.OnFailure,
			OnDeletion: spec.OnDeletion,
		})
	}
	return rows, nil
}

// patchableJobColumns is the allow-list of updateJob fields, mapped to their
// column names. Range fields and state are handled separately.
var patchableJobColumns = map[string]string{
	"title":           "title",
	"batch":           "batch",
	"requeue":         "requeue",
	"cpus":            "cpus",
	"ram":             "ram",
	"priority":        "priority",
	"hidden":          "hidden",
	"notes":           "notes",
	"autodelete_time": "autodelete_time",
}

// readOnlyJobFields are rejected with a dedicated error instead of the
// generic unknown-field one, since clients echoing a GET body back is a
// common mistake.
var readOnlyJobFields = map[string]struct{}{
	"id":                 {},
	"time_submitted":     {},
	"time_started":       {},
	"time_finished":      {},
	"state_explicit":     {},
	"to_be_deleted":      {},
	"jobtype_version_id": {},
	"user_id":            {},
	"job_queue_id":       {},
}

// UpdateJob applies a partial update. Unknown fields and read-only fields
// are rejected before any write; a frame range change reconciles the task
// set in the same call.
func (s *Scheduler) UpdateJob(
	ctx context.Context, jobID model.JobID, patch map[string]interface{},
) (*model.Job, error) {
	job, err := s.cli.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var (
		values       = make(map[string]interface{})
		unknown      []string
		rangeChanged bool
		stateCleared bool
	)
	start, end, by := job.Start, job.End, job.By

	for key, value := range patch {
		if _, ok := readOnlyJobFields[key]; ok {
			return nil, errors.ErrFieldReadOnly.GenWithStackByArgs(key)
		}
		switch key {
		case "start", "end", "by":
			d, err := patchDecimal(value)
			if err != nil {
				return nil, err
			}
			switch key {
			case "start":
				start = d
			case "end":
				end = d
			case "by":
				by = d
			}
			rangeChanged = true
		case "num_tiles":
			if !sameNumTiles(job.NumTiles, value) {
				return nil, errors.ErrTilingImmutable.GenWithStack(
					"num_tiles of job %d is immutable", jobID)
			}
		case "state":
			if value == nil {
				values["state"] = nil
				values["state_explicit"] = false
				stateCleared = true
				continue
			}
			name, ok := value.(string)
			if !ok {
				return nil, errors.ErrBadWorkState.GenWithStackByArgs(value)
			}
			state, ok := model.ParseWorkState(name)
			if !ok {
				return nil, errors.ErrBadWorkState.GenWithStackByArgs(name)
			}
			values["state"] = state
			values["state_explicit"] = true
		default:
			column, ok := patchableJobColumns[key]
			if !ok {
				unknown = append(unknown, key)
				continue
			}
			values[column] = value
		}
	}
	if len(unknown) > 0 {
		return nil, errors.ErrUnknownField.GenWithStackByArgs(strings.Join(unknown, ", "))
	}

	if v, ok := values["batch"]; ok {
		if n, ok := patchInt(v); !ok || n < 1 {
			return nil, errors.ErrBadBatchSize.GenWithStackByArgs(n)
		}
	}
	if v, ok := values["requeue"]; ok {
		if n, ok := patchInt(v); !ok || n < model.RequeueUnlimited {
			return nil, errors.ErrBadRequeueLimit.GenWithStackByArgs(n)
		}
	}
	if v, ok := values["cpus"]; ok {
		n, _ := patchInt(v)
		if err := s.validateResource("cpus", n, s.cfg.Queue.MinCPUs, s.cfg.Queue.MaxCPUs); err != nil {
			return nil, err
		}
	}
	if v, ok := values["ram"]; ok {
		n, _ := patchInt(v)
		if err := s.validateResource("ram", n, s.cfg.Queue.MinRAM, s.cfg.Queue.MaxRAM); err != nil {
			return nil, err
		}
	}

	var frames []decimal.Decimal
	if rangeChanged {
		r := frame.Range{Start: start, End: end, By: by}
		if frames, err = r.Expand(); err != nil {
			return nil, err
		}
		values["start"] = start
		values["end"] = end
		values["by"] = by
	}

	if rangeChanged {
		// The column writes ride in the reconcile transaction: rejecting
		// the new range must leave the job row untouched too.
		now := s.clk.Now()
		priority := job.Priority
		if v, ok := values["priority"]; ok {
			if n, ok := patchInt(v); ok {
				priority = n
			}
		}
		added, removed, err := s.cli.UpdateJobAndReconcileTasks(ctx, jobID, values, frames,
			func(f decimal.Decimal, tile *int) *model.Task {
				return newTask(f, tile, priority, now)
			})
		if err != nil {
			return nil, err
		}
		log.Info("frame range reconciled",
			zap.Uint("job-id", jobID),
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)))
	} else if len(values) > 0 {
		if _, err := s.cli.UpdateJobColumns(ctx, jobID, values); err != nil {
			return nil, err
		}
	}

	if rangeChanged || stateCleared {
		if _, err := s.RecomputeJobState(ctx, jobID); err != nil {
			return nil, err
		}
	}

	s.notify(ReasonJobUpdated)
	return s.cli.GetJobByID(ctx, jobID)
}

func patchDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, errors.Trace(err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Decimal{}, errors.Errorf("not a frame number: %v", value)
	}
}

func patchInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func sameNumTiles(current *int, value interface{}) bool {
	if value == nil {
		return current == nil
	}
	n, ok := patchInt(value)
	return ok && current != nil && *current == n
}

// DeleteJob marks the job and its transitive dependents for deletion. The
// reaper removes the rows once no task is running anymore.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID model.JobID) ([]model.JobID, error) {
	marked, err := s.cli.MarkJobForDeletion(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log.Info("job marked for deletion",
		zap.Uint("job-id", jobID),
		zap.Uints("cascade", marked))
	return marked, nil
}

// ReapDeletedJobs removes flagged jobs whose tasks have all stopped. It
// returns how many jobs were removed and is safe to run repeatedly.
func (s *Scheduler) ReapDeletedJobs(ctx context.Context) (int, error) {
	jobs, err := s.cli.QueryJobsToDelete(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, job := range jobs {
		counts, err := s.cli.QueryTaskStateCounts(ctx, job.ID, job.Requeue)
		if err != nil {
			return reaped, err
		}
		if counts.Running > 0 {
			continue
		}
		if _, err := s.cli.DeleteJobGraph(ctx, job.ID); err != nil {
			// Live dependents keep a parent pinned until their own flags
			// are observed; try again on the next pass.
			if errors.IsConflict(err) {
				continue
			}
			return reaped, err
		}
		reaped++
		metrics.JobsReapedCounter.Inc()
		log.Info("job reaped", zap.Uint("job-id", job.ID), zap.String("title", job.Title))
	}
	if reaped > 0 {
		s.notify(ReasonAgentFreed)
	}
	return reaped, nil
}

// AutodeleteFinishedJobs flags finished jobs whose retention window has
// elapsed, feeding the next reaper pass.
func (s *Scheduler) AutodeleteFinishedJobs(ctx context.Context) (int, error) {
	jobs, err := s.cli.QueryJobs(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()
	flagged := 0
	for _, job := range jobs {
		if job.ToBeDeleted || job.AutodeleteTime == nil || job.TimeFinished == nil {
			continue
		}
		if !job.Done() {
			continue
		}
		deadline := job.TimeFinished.Add(time.Duration(*job.AutodeleteTime) * time.Second)
		if now.Before(deadline) {
			continue
		}
		if _, err := s.cli.MarkJobForDeletion(ctx, job.ID); err != nil {
			return flagged, err
		}
		flagged++
	}
	return flagged, nil
}

// TaskStateReport is an agent's (or an administrator's) view of one task
// transition. Only running, done and failed are accepted.
type TaskStateReport struct {
	State     string
	Progress  *float64
	LastError *string
}

// ReporterIdentity is the network origin of a task state report. Nil means
// trusted internal logic; otherwise the report is only accepted from the
// address of the agent owning the task.
type ReporterIdentity struct {
	RemoteIP string
}

// ReportTaskState is the sole path that changes a task's state. The
// transition is applied under a row lock, the owning job's state is
// re-aggregated in a follow-up transaction and the dispatcher is notified
// when assignability may have changed.
func (s *Scheduler) ReportTaskState(
	ctx context.Context, taskID model.TaskID, report *TaskStateReport, reporter *ReporterIdentity,
) (*model.Task, error) {
	newState, ok := model.ParseWorkState(report.State)
	if !ok || (newState != model.WorkStateRunning &&
		newState != model.WorkStateDone && newState != model.WorkStateFailed) {
		return nil, errors.ErrBadWorkState.GenWithStackByArgs(report.State)
	}

	var (
		prevDisplay model.TaskDisplayState
		nextDisplay model.TaskDisplayState
		jobQueueID  *uint
		failedOn    *model.AgentID
		requeued    bool
	)
	now := s.clk.Now()

	task, err := s.cli.ApplyTaskTransition(ctx, taskID, func(task *model.Task, job *model.Job) error {
		if err := s.checkOwnership(ctx, task, reporter); err != nil {
			return err
		}
		prevDisplay = task.EffectiveState()
		jobQueueID = job.JobQueueID

		if task.Done() {
			if newState == model.WorkStateDone {
				// Final progress confirmation for an already finished
				// task; nothing to change.
				nextDisplay = prevDisplay
				return nil
			}
			return errors.ErrTaskAlreadyDone.GenWithStackByArgs(task.ID)
		}

		switch newState {
		case model.WorkStateRunning:
			if !task.Running() {
				task.Attempts++
				if task.TimeStarted == nil {
					jtv, err := s.cli.GetJobTypeVersionByID(ctx, job.JobTypeVersionID)
					if err != nil {
						return err
					}
					// Some jobtypes report their start time themselves,
					// once the actual payload work begins.
					if !jtv.NoAutomaticStartTime {
						task.TimeStarted = &now
					}
				}
			}
			state := model.WorkStateRunning
			task.State = &state
			task.SentToAgent = true
			if report.Progress != nil {
				task.Progress = *report.Progress
			}
			if report.LastError != nil {
				task.LastError = report.LastError
			}

		case model.WorkStateDone:
			state := model.WorkStateDone
			task.State = &state
			task.TimeFinished = &now
			task.Progress = 1
			task.LastError = nil

		case model.WorkStateFailed:
			task.Failures++
			if report.LastError != nil {
				task.LastError = report.LastError
			}
			if task.AgentID != nil {
				agentID := *task.AgentID
				failedOn = &agentID
			}
			switch EvaluateRequeue(task.Attempts, job.Requeue) {
			case ActionRequeue:
				// Back to queued: the failed-agent set is retained so the
				// dispatcher avoids the same agent next time.
				task.State = nil
				task.AgentID = nil
				task.SentToAgent = false
				task.Progress = 0
				task.TimeStarted = nil
				task.TimeFinished = nil
				requeued = true
			case ActionExhausted:
				state := model.WorkStateFailed
				task.State = &state
				task.TimeFinished = &now
			}
		}

		nextDisplay = task.EffectiveState()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if failedOn != nil {
		if _, err := s.cli.AddTaskFailedAgent(ctx, task.ID, *failedOn); err != nil {
			return nil, err
		}
	}
	if _, err := s.RecomputeJobState(ctx, task.JobID); err != nil {
		return nil, err
	}
	s.record(ctx, jobQueueID, prevDisplay, nextDisplay)

	switch {
	case newState == model.WorkStateDone:
		s.notify(ReasonTaskFinished)
	case requeued || newState == model.WorkStateFailed:
		s.notify(ReasonAgentFreed)
	}
	return task, nil
}

// checkOwnership enforces that only the agent holding a task may change it.
// The check is by network origin of the assigned agent.
func (s *Scheduler) checkOwnership(
	ctx context.Context, task *model.Task, reporter *ReporterIdentity,
) error {
	if reporter == nil {
		return nil
	}
	if task.AgentID == nil {
		log.Warn("task state report for unassigned task",
			zap.Uint("task-id", task.ID),
			zap.String("remote-ip", reporter.RemoteIP))
		return errors.ErrNotTaskOwner.GenWithStackByArgs(task.ID)
	}
	agent, err := s.cli.GetAgent(ctx, *task.AgentID)
	if err != nil {
		return err
	}
	if agent.RemoteIP != reporter.RemoteIP {
		log.Warn("task state report from non-owning address",
			zap.Uint("task-id", task.ID),
			zap.String("agent-id", agent.ID),
			zap.String("agent-ip", agent.RemoteIP),
			zap.String("remote-ip", reporter.RemoteIP))
		return errors.ErrNotTaskOwner.GenWithStackByArgs(task.ID)
	}
	return nil
}

// RecomputeJobState aggregates the job's task set and persists the derived
// state when it changed. It runs after the triggering task-state commit so
// concurrent completions are visible. The display state is returned.
func (s *Scheduler) RecomputeJobState(ctx context.Context, jobID model.JobID) (model.JobState, error) {
	job, err := s.cli.GetJobByID(ctx, jobID)
	if err != nil {
		return model.JobState{}, err
	}
	counts, err := s.cli.QueryTaskStateCounts(ctx, jobID, job.Requeue)
	if err != nil {
		return model.JobState{}, err
	}
	if counts.Total == 0 {
		// A job must always own at least one task; never repair silently.
		err := errors.ErrJobWithoutTasks.GenWithStackByArgs(jobID)
		log.Error("job state aggregation found empty task set",
			zap.Uint("job-id", jobID), zap.Error(err))
		return model.JobState{}, err
	}

	agg := AggregateJobState(job.StateTag(), counts)
	if agg.Display.Explicit {
		return agg.Display, nil
	}

	if !sameStateColumn(job.State, agg.Column) || job.StateExplicit {
		values := map[string]interface{}{
			"state":          agg.Column,
			"state_explicit": false,
		}
		now := s.clk.Now()
		if agg.Column != nil && *agg.Column == model.WorkStateRunning && job.TimeStarted == nil {
			values["time_started"] = &now
		}
		if agg.Column != nil && agg.Column.Terminal() {
			if job.TimeFinished == nil {
				values["time_finished"] = &now
			}
		} else if job.TimeFinished != nil {
			values["time_finished"] = nil
		}
		if _, err := s.cli.UpdateJobColumns(ctx, jobID, values); err != nil {
			return model.JobState{}, err
		}
	}
	return agg.Display, nil
}

func sameStateColumn(a, b *model.WorkState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// GetJobState derives the job's display state without writing anything.
func (s *Scheduler) GetJobState(ctx context.Context, jobID model.JobID) (model.JobState, error) {
	job, err := s.cli.GetJobByID(ctx, jobID)
	if err != nil {
		return model.JobState{}, err
	}
	counts, err := s.cli.QueryTaskStateCounts(ctx, jobID, job.Requeue)
	if err != nil {
		return model.JobState{}, err
	}
	return AggregateJobState(job.StateTag(), counts).Display, nil
}

// ListTasks lists a job's tasks in frame-ascending order.
func (s *Scheduler) ListTasks(ctx context.Context, jobID model.JobID) ([]*model.Task, error) {
	if _, err := s.cli.GetJobByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.cli.QueryTasksByJob(ctx, jobID)
}

// AddFailedAgent records that a task failed on an agent so the dispatcher
// avoids reassigning it there. Idempotent.
func (s *Scheduler) AddFailedAgent(ctx context.Context, taskID model.TaskID, agentID model.AgentID) error {
	if _, err := s.cli.GetTaskByID(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.cli.GetAgent(ctx, agentID); err != nil {
		return err
	}
	_, err := s.cli.AddTaskFailedAgent(ctx, taskID, agentID)
	return err
}

// RemoveFailedAgent clears the failed-on membership again.
func (s *Scheduler) RemoveFailedAgent(ctx context.Context, taskID model.TaskID, agentID model.AgentID) error {
	if _, err := s.cli.GetTaskByID(ctx, taskID); err != nil {
		return err
	}
	_, err := s.cli.RemoveTaskFailedAgent(ctx, taskID, agentID)
	return err
}

// ListFailedAgents lists the agents a task already failed on.
func (s *Scheduler) ListFailedAgents(ctx context.Context, taskID model.TaskID) ([]model.AgentID, error) {
	if _, err := s.cli.GetTaskByID(ctx, taskID); err != nil {
		return nil, err
	}
	return s.cli.QueryTaskFailedAgents(ctx, taskID)
}

// AddNotifiedUser subscribes a user to the job's lifecycle notifications.
// Resubscribing overwrites the notification flags. The user is autocreated
// when the autocreate-users policy is on.
func (s *Scheduler) AddNotifiedUser(ctx context.Context, jobID model.JobID, spec NotifiedUserSpec) error {
	if _, err := s.cli.GetJobByID(ctx, jobID); err != nil {
		return err
	}
	user, err := s.lookupUser(ctx, spec.Username)
	if err != nil {
		return err
	}
	return s.cli.UpsertJobNotifiedUser(ctx, &model.JobNotifiedUser{
		JobID:      jobID,
		UserID:     user.ID,
		OnSuccess:  spec.OnSuccess,
		OnFailure:  spec.OnFailure,
		OnDeletion: spec.OnDeletion,
	})
}

// ListNotifiedUsers lists the job's notification subscriptions.
func (s *Scheduler) ListNotifiedUsers(ctx context.Context, jobID model.JobID) ([]*model.JobNotifiedUser, error) {
	if _, err := s.cli.GetJobByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.cli.QueryJobNotifiedUsers(ctx, jobID)
}

// RemoveNotifiedUser drops the user's subscription on the job. The user must
// exist; removing an absent subscription is a no-op.
func (s *Scheduler) RemoveNotifiedUser(ctx context.Context, jobID model.JobID, username string) error {
	if _, err := s.cli.GetJobByID(ctx, jobID); err != nil {
		return err
	}
	user, err := s.cli.GetUserByName(ctx, username)
	if err != nil {
		return err
	}
	_, err = s.cli.DeleteJobNotifiedUser(ctx, jobID, user.ID)
	return err
}

// AddDependency inserts the ordering edge parent -> child, rejecting edges
// that would close a cycle.
func (s *Scheduler) AddDependency(ctx context.Context, parentID, childID model.JobID) error {
	if err := s.cli.AddJobDependency(ctx, parentID, childID); err != nil {
		return err
	}
	s.notify(ReasonJobUpdated)
	return nil
}

// RemoveDependency deletes the edge parent -> child; the child may become
// eligible immediately.
func (s *Scheduler) RemoveDependency(ctx context.Context, parentID, childID model.JobID) error {
	if _, err := s.cli.RemoveJobDependency(ctx, parentID, childID); err != nil {
		return err
	}
	s.notify(ReasonJobUpdated)
	return nil
}

// JobEligible reports whether every parent of the job has finished
// successfully, gating dispatch of blocked jobs.
func (s *Scheduler) JobEligible(ctx context.Context, jobID model.JobID) (bool, error) {
	parents, err := s.cli.QueryParentJobs(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, parent := range parents {
		if !parent.Done() {
			return false, nil
		}
	}
	return true, nil
}
