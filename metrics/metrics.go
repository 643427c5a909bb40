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

// Package metrics holds the prometheus collectors of the master process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TaskTransitionCounter counts task state transitions by target display
	// state.
	TaskTransitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framefarm",
			Subsystem: "queue",
			Name:      "task_transitions_total",
			Help:      "Count of task state transitions, labeled by the new state.",
		}, []string{"to"})

	// AssignNotificationCounter counts dispatcher wake-up signals by reason.
	AssignNotificationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framefarm",
			Subsystem: "dispatcher",
			Name:      "assign_notifications_total",
			Help:      "Count of assignment pass notifications, labeled by reason.",
		}, []string{"reason"})

	// AssignPassErrorCounter counts failed assignment passes after retries.
	AssignPassErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framefarm",
			Subsystem: "dispatcher",
			Name:      "assign_pass_errors_total",
			Help:      "Count of assignment passes abandoned after retrying.",
		})

	// JobsCreatedCounter counts accepted job submissions.
	JobsCreatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framefarm",
			Subsystem: "queue",
			Name:      "jobs_created_total",
			Help:      "Count of jobs accepted by the scheduler.",
		})

	// JobsReapedCounter counts jobs removed by the deletion reaper.
	JobsReapedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "framefarm",
			Subsystem: "queue",
			Name:      "jobs_reaped_total",
			Help:      "Count of jobs removed after their deletion flag was set.",
		})
)

// InitMetrics registers all collectors with the given registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(TaskTransitionCounter)
	registry.MustRegister(AssignNotificationCounter)
	registry.MustRegister(AssignPassErrorCounter)
	registry.MustRegister(JobsCreatedCounter)
	registry.MustRegister(JobsReapedCounter)
}
