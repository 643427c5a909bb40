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
	"github.com/framefarm/framefarm/model"
)

// TaskStateCounts is one grouped scan over a job's task rows, the input of
// job state aggregation.
type TaskStateCounts struct {
	Total   int64
	Running int64
	Done    int64
	Failed  int64
	// Exhausted counts failed tasks whose failure count exceeded the job's
	// requeue budget. Always <= Failed.
	Exhausted int64
	// Assigned counts tasks with an agent but no reported state yet.
	Assigned int64
}

// Aggregation is the outcome of resolving a job's tagged state against its
// task counts.
type Aggregation struct {
	// Display is the state presented to callers.
	Display model.JobState
	// Column is the value to persist in the state column, nil to keep it
	// NULL. Queued and assignment-derived running are not persisted so they
	// stay live: a requeue or a dropped assignment reverts them without a
	// follow-up write.
	Column *model.WorkState
}

// AggregateJobState resolves the display state of a job from its tagged
// state and task counts. An explicit state always wins; otherwise the
// precedence is running, all-done, exhausted-failed, assigned, queued.
func AggregateJobState(tag model.JobState, counts TaskStateCounts) Aggregation {
	if tag.Explicit {
		s := tag.State
		return Aggregation{Display: tag, Column: &s}
	}
	switch {
	case counts.Running > 0:
		s := model.WorkStateRunning
		return Aggregation{Display: model.DerivedState(s), Column: &s}
	case counts.Total > 0 && counts.Done == counts.Total:
		s := model.WorkStateDone
		return Aggregation{Display: model.DerivedState(s), Column: &s}
	case counts.Exhausted > 0:
		s := model.WorkStateFailed
		return Aggregation{Display: model.DerivedState(s), Column: &s}
	case counts.Assigned > 0:
		return Aggregation{Display: model.DerivedState(model.WorkStateRunning)}
	default:
		return Aggregation{Display: model.DerivedState(model.WorkStateQueued)}
	}
}
