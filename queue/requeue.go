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

import "github.com/framefarm/framefarm/model"

// RequeueAction is the verdict on a freshly failed task.
type RequeueAction int8

// Requeue actions.
const (
	// ActionRequeue puts the task back into the queued pseudo-state and
	// clears its agent so the dispatcher may hand it out again.
	ActionRequeue = RequeueAction(iota + 1)
	// ActionExhausted leaves the task failed for good.
	ActionExhausted
)

// String implements fmt.Stringer.
func (a RequeueAction) String() string {
	switch a {
	case ActionRequeue:
		return "requeue"
	case ActionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// EvaluateRequeue decides whether a task that just failed its attempts-th
// attempt is retried. A budget of model.RequeueUnlimited always retries; a
// budget of 0 never does.
func EvaluateRequeue(attempts, budget int) RequeueAction {
	if budget == model.RequeueUnlimited || attempts <= budget {
		return ActionRequeue
	}
	return ActionExhausted
}
