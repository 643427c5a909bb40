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
	"encoding/json"
	"fmt"

	"github.com/framefarm/framefarm/pkg/errors"
)

// WorkState is the execution state shared by jobs and tasks. The zero value
// is never stored; a task or job without an explicit state keeps a NULL
// column and derives its display state instead, see Task.EffectiveState and
// JobState.
type WorkState int16

// Work states. Paused applies to jobs only, as an administrative override.
const (
	WorkStateQueued = WorkState(iota + 1)
	WorkStateRunning
	WorkStateDone
	WorkStateFailed
	WorkStatePaused
)

var workStateStringify = [...]string{
	0:                "",
	WorkStateQueued:  "queued",
	WorkStateRunning: "running",
	WorkStateDone:    "done",
	WorkStateFailed:  "failed",
	WorkStatePaused:  "paused",
}

var toWorkState map[string]WorkState

func init() {
	toWorkState = make(map[string]WorkState, len(workStateStringify))
	for i, s := range workStateStringify {
		toWorkState[s] = WorkState(i)
	}
	delete(toWorkState, "")
}

// String implements fmt.Stringer.
func (s WorkState) String() string {
	if int(s) >= len(workStateStringify) || s < 0 {
		return fmt.Sprintf("Unknown WorkState %d", s)
	}
	return workStateStringify[s]
}

// Terminal returns whether no further transitions are expected from s.
func (s WorkState) Terminal() bool {
	return s == WorkStateDone || s == WorkStateFailed
}

// MarshalJSON marshals the enum as a quoted json string.
func (s WorkState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON unmarshals a quoted json string to the enum value.
func (s *WorkState) UnmarshalJSON(b []byte) error {
	var (
		j  string
		ok bool
	)
	if err := json.Unmarshal(b, &j); err != nil {
		return errors.Trace(err)
	}
	*s, ok = toWorkState[j]
	if !ok {
		return errors.ErrBadWorkState.GenWithStackByArgs(j)
	}
	return nil
}

// ParseWorkState converts a state name to the enum value.
func ParseWorkState(name string) (WorkState, bool) {
	s, ok := toWorkState[name]
	return s, ok
}

// JobState is the tagged job state: either an explicit administrative
// override or a value derived from the job's task set. This makes the
// derived-vs-stored distinction an explicit branch instead of a database
// NULL convention.
type JobState struct {
	// Explicit is true when an administrator pinned the state.
	Explicit bool
	State    WorkState
}

// ExplicitState tags s as an administrative override.
func ExplicitState(s WorkState) JobState {
	return JobState{Explicit: true, State: s}
}

// DerivedState tags s as computed from the task set.
func DerivedState(s WorkState) JobState {
	return JobState{State: s}
}

// String implements fmt.Stringer.
func (s JobState) String() string {
	if s.Explicit {
		return s.State.String() + " (explicit)"
	}
	return s.State.String()
}
