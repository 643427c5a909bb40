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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func TestStdlibReexports(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("query job: %w", gorm.ErrRecordNotFound)
	require.True(t, Is(wrapped, gorm.ErrRecordNotFound))
	require.False(t, Is(wrapped, gorm.ErrInvalidTransaction))

	var target *statusError
	require.True(t, As(fmt.Errorf("report: %w", &statusError{code: 409}), &target))
	require.Equal(t, 409, target.code)
}

func TestCategoryHelpers(t *testing.T) {
	t.Parallel()

	badState := ErrBadWorkState.GenWithStackByArgs("floating")
	require.True(t, IsValidation(badState))
	require.False(t, IsConflict(badState))
	require.False(t, IsNotFound(badState))

	require.True(t, IsNotFound(ErrJobNotFound.GenWithStackByArgs(42)))
	require.True(t, IsConflict(ErrTaskStillRunning.GenWithStackByArgs(7)))
	require.True(t, IsForbidden(ErrNotTaskOwner.GenWithStackByArgs(7)))
	require.False(t, IsValidation(ErrMetaOpFail.GenWithStackByArgs()))
}
