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
	"testing"

	"github.com/framefarm/framefarm/model"
	"github.com/stretchr/testify/require"
)

func edge(parent, child model.JobID) *model.JobDependency {
	return &model.JobDependency{ParentID: parent, ChildID: child}
}

func TestDepGraphHasPath(t *testing.T) {
	t.Parallel()

	// 1 -> 2 -> 3, 1 -> 4
	g := NewDepGraph([]*model.JobDependency{edge(1, 2), edge(2, 3), edge(1, 4)})

	require.True(t, g.HasPath(1, 3))
	require.True(t, g.HasPath(2, 3))
	require.False(t, g.HasPath(3, 1))
	require.False(t, g.HasPath(4, 3))
	require.ElementsMatch(t, []model.JobID{2, 4}, g.Children(1))
	require.ElementsMatch(t, []model.JobID{1}, g.Parents(2))
}

func TestDepGraphWouldCycle(t *testing.T) {
	t.Parallel()

	g := NewDepGraph([]*model.JobDependency{edge(1, 2), edge(2, 3)})

	// 3 -> 1 closes the loop 1 -> 2 -> 3 -> 1.
	require.True(t, g.WouldCycle(3, 1))
	// self edges always cycle
	require.True(t, g.WouldCycle(2, 2))
	// a diamond is fine
	require.False(t, g.WouldCycle(1, 3))
	require.False(t, g.WouldCycle(4, 1))
}

func TestDescendantsOf(t *testing.T) {
	t.Parallel()

	g := NewDepGraph([]*model.JobDependency{
		edge(1, 2), edge(1, 3), edge(2, 4), edge(3, 4), edge(5, 6),
	})

	require.ElementsMatch(t, []model.JobID{1, 2, 3, 4}, descendantsOf(g, 1))
	require.ElementsMatch(t, []model.JobID{2, 4}, descendantsOf(g, 2))
	require.ElementsMatch(t, []model.JobID{6}, descendantsOf(g, 6))
}
