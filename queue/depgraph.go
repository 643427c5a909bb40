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

// DepGraph is an in-memory adjacency view over the job dependency edge
// table, built inside the transaction that wants to reason about it. Edges
// point parent -> child.
type DepGraph struct {
	children map[model.JobID][]model.JobID
	parents  map[model.JobID][]model.JobID
}

// NewDepGraph builds the adjacency lists from edge rows.
func NewDepGraph(edges []*model.JobDependency) *DepGraph {
	g := &DepGraph{
		children: make(map[model.JobID][]model.JobID, len(edges)),
		parents:  make(map[model.JobID][]model.JobID, len(edges)),
	}
	for _, e := range edges {
		g.children[e.ParentID] = append(g.children[e.ParentID], e.ChildID)
		g.parents[e.ChildID] = append(g.parents[e.ChildID], e.ParentID)
	}
	return g
}

// Parents returns the direct parents of job.
func (g *DepGraph) Parents(job model.JobID) []model.JobID {
	return g.parents[job]
}

// Children returns the direct children of job.
func (g *DepGraph) Children(job model.JobID) []model.JobID {
	return g.children[job]
}

// HasPath reports whether to is reachable from from along parent -> child
// edges. A job is not considered reachable from itself unless a cycle
// already exists.
func (g *DepGraph) HasPath(from, to model.JobID) bool {
	visited := make(map[model.JobID]struct{})
	stack := []model.JobID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.children[cur] {
			if next == to {
				return true
			}
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// WouldCycle reports whether inserting the edge parent -> child would make
// the graph cyclic. Self-edges always cycle.
func (g *DepGraph) WouldCycle(parent, child model.JobID) bool {
	if parent == child {
		return true
	}
	return g.HasPath(child, parent)
}
