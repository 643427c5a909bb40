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

package errors

import (
	"github.com/pingcap/errors"
)

// all scheduler errors
var (
	// validation errors. No write is performed when one of these is returned.
	ErrInvalidRange = errors.Normalize(
		"invalid frame range: start %s, end %s, by %s",
		errors.RFCCodeText("FARM:ErrInvalidRange"),
	)
	ErrResourceOutOfBounds = errors.Normalize(
		"value for `%s` must be between %d and %d",
		errors.RFCCodeText("FARM:ErrResourceOutOfBounds"),
	)
	ErrUnknownField = errors.Normalize(
		"unknown fields in request: %s",
		errors.RFCCodeText("FARM:ErrUnknownField"),
	)
	ErrFieldReadOnly = errors.Normalize(
		"field `%s` cannot be set manually",
		errors.RFCCodeText("FARM:ErrFieldReadOnly"),
	)
	ErrTilingNotSupported = errors.Normalize(
		"`num_tiles` is set, but jobtype %s does not support tiling",
		errors.RFCCodeText("FARM:ErrTilingNotSupported"),
	)
	ErrBadBatchSize = errors.Normalize(
		"batch size must be at least 1, got %d",
		errors.RFCCodeText("FARM:ErrBadBatchSize"),
	)
	ErrBadRequeueLimit = errors.Normalize(
		"requeue limit must be >= 0, or -1 for unlimited, got %d",
		errors.RFCCodeText("FARM:ErrBadRequeueLimit"),
	)
	ErrBadWorkState = errors.Normalize(
		"unknown work state: %v",
		errors.RFCCodeText("FARM:ErrBadWorkState"),
	)

	// not-found errors
	ErrJobNotFound = errors.Normalize(
		"job not found: %v",
		errors.RFCCodeText("FARM:ErrJobNotFound"),
	)
	ErrTaskNotFound = errors.Normalize(
		"task not found: task ID %d",
		errors.RFCCodeText("FARM:ErrTaskNotFound"),
	)
	ErrAgentNotFound = errors.Normalize(
		"agent not found: agent ID %s",
		errors.RFCCodeText("FARM:ErrAgentNotFound"),
	)
	ErrUserNotFound = errors.Normalize(
		"user not found: %s",
		errors.RFCCodeText("FARM:ErrUserNotFound"),
	)
	ErrJobTypeNotFound = errors.Normalize(
		"jobtype or version not found: %v",
		errors.RFCCodeText("FARM:ErrJobTypeNotFound"),
	)
	ErrSoftwareNotFound = errors.Normalize(
		"software not found: %s",
		errors.RFCCodeText("FARM:ErrSoftwareNotFound"),
	)
	ErrSoftwareVersionNotFound = errors.Normalize(
		"version %s of software %s not found",
		errors.RFCCodeText("FARM:ErrSoftwareVersionNotFound"),
	)
	ErrTagNotFound = errors.Normalize(
		"tag not found: %s",
		errors.RFCCodeText("FARM:ErrTagNotFound"),
	)
	ErrJobQueueNotFound = errors.Normalize(
		"job queue not found: %s",
		errors.RFCCodeText("FARM:ErrJobQueueNotFound"),
	)

	// conflict errors
	ErrDuplicateJobTitle = errors.Normalize(
		"a job titled %s already exists",
		errors.RFCCodeText("FARM:ErrDuplicateJobTitle"),
	)
	ErrDependencyCycle = errors.Normalize(
		"adding dependency %d -> %d would create a cycle",
		errors.RFCCodeText("FARM:ErrDependencyCycle"),
	)
	ErrJobInUse = errors.Normalize(
		"job %d cannot be deleted, other jobs still depend on it",
		errors.RFCCodeText("FARM:ErrJobInUse"),
	)
	ErrTaskStillRunning = errors.Normalize(
		"task %d is running and cannot be deleted",
		errors.RFCCodeText("FARM:ErrTaskStillRunning"),
	)
	ErrTaskAlreadyDone = errors.Normalize(
		"task %d is already in state `done`",
		errors.RFCCodeText("FARM:ErrTaskAlreadyDone"),
	)
	ErrTilingImmutable = errors.Normalize(
		"frame tiling cannot be updated after job creation",
		errors.RFCCodeText("FARM:ErrTilingImmutable"),
	)

	// forbidden errors
	ErrNotTaskOwner = errors.Normalize(
		"state and progress of task %d can only be changed by the agent owning it",
		errors.RFCCodeText("FARM:ErrNotTaskOwner"),
	)

	// internal errors
	ErrJobWithoutTasks = errors.Normalize(
		"job %d exists but has no tasks",
		errors.RFCCodeText("FARM:ErrJobWithoutTasks"),
	)
	ErrMetaOpFail = errors.Normalize(
		"meta operation failed",
		errors.RFCCodeText("FARM:ErrMetaOpFail"),
	)
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error. If given `err` is nil, returns a nil error.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// IsNotFound returns whether err belongs to the not-found category.
func IsNotFound(err error) bool {
	return matchAny(err,
		ErrJobNotFound, ErrTaskNotFound, ErrAgentNotFound, ErrUserNotFound,
		ErrJobTypeNotFound, ErrSoftwareNotFound, ErrSoftwareVersionNotFound,
		ErrTagNotFound, ErrJobQueueNotFound)
}

// IsConflict returns whether err belongs to the conflict category.
func IsConflict(err error) bool {
	return matchAny(err,
		ErrDuplicateJobTitle, ErrDependencyCycle, ErrJobInUse,
		ErrTaskStillRunning, ErrTaskAlreadyDone, ErrTilingImmutable)
}

// IsValidation returns whether err belongs to the validation category.
func IsValidation(err error) bool {
	return matchAny(err,
		ErrInvalidRange, ErrResourceOutOfBounds, ErrUnknownField,
		ErrFieldReadOnly, ErrTilingNotSupported, ErrBadBatchSize,
		ErrBadRequeueLimit, ErrBadWorkState)
}

// IsForbidden returns whether err is an ownership violation.
func IsForbidden(err error) bool {
	return ErrNotTaskOwner.Equal(err)
}

func matchAny(err error, candidates ...*errors.Error) bool {
	for _, candidate := range candidates {
		if candidate.Equal(err) {
			return true
		}
	}
	return false
}
