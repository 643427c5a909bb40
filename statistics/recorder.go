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

// Package statistics buckets task state transitions into periodic
// per-queue event count records.
package statistics

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/framefarm/framefarm/metrics"
	"github.com/framefarm/framefarm/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultFlushInterval = 5 * time.Minute

// Store is the slice of the metastore client the recorder appends to.
type Store interface {
	CreateTaskEvent(ctx context.Context, event *model.TaskEventCount) error
}

// rootBucket keys transitions of jobs outside any queue; job queue ids
// start at 1.
const rootBucket = uint(0)

// Recorder accumulates task transitions in memory and flushes one
// TaskEventCount row per job queue per flush interval. Recording never
// blocks on the store.
type Recorder struct {
	store Store
	clk   clock.Clock

	interval time.Duration

	mu      sync.Mutex
	buckets map[uint]*model.TaskEventCount
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the wall clock, used by tests.
func WithClock(clk clock.Clock) RecorderOption {
	return func(r *Recorder) { r.clk = clk }
}

// WithFlushInterval overrides how often buckets are flushed.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.interval = d }
}

// NewRecorder builds a recorder on top of the statistics store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    store,
		clk:      clock.New(),
		interval: defaultFlushInterval,
		buckets:  make(map[uint]*model.TaskEventCount),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordTransition implements queue.TransitionRecorder. A transition into
// running counts as started, into done as done, into failed as failed and a
// requeue (anything back to queued) as restarted.
func (r *Recorder) RecordTransition(
	ctx context.Context, jobQueueID *uint, from, to model.TaskDisplayState,
) {
	metrics.TaskTransitionCounter.WithLabelValues(to.String()).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.bucketLocked(jobQueueID)
	switch to {
	case model.TaskDisplayRunning:
		bucket.NumStarted++
	case model.TaskDisplayDone:
		bucket.NumDone++
	case model.TaskDisplayFailed:
		bucket.NumFailed++
	case model.TaskDisplayQueued:
		if from != model.TaskDisplayQueued {
			bucket.NumRestarted++
		}
	}
}

func (r *Recorder) bucketLocked(jobQueueID *uint) *model.TaskEventCount {
	key := rootBucket
	if jobQueueID != nil {
		key = *jobQueueID
	}
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &model.TaskEventCount{
			JobQueueID: jobQueueID,
			TimeStart:  r.clk.Now(),
		}
		r.buckets[key] = bucket
	}
	return bucket
}

// Run flushes periodically until ctx is canceled, with a final flush on the
// way out.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush writes and resets all non-empty buckets. Store errors are logged,
// not returned: statistics are advisory and must never fail a transition.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	buckets := r.buckets
	r.buckets = make(map[uint]*model.TaskEventCount)
	r.mu.Unlock()

	now := r.clk.Now()
	for _, bucket := range buckets {
		if bucket.NumStarted == 0 && bucket.NumDone == 0 &&
			bucket.NumFailed == 0 && bucket.NumRestarted == 0 {
			continue
		}
		bucket.TimeEnd = now
		if err := r.store.CreateTaskEvent(ctx, bucket); err != nil {
			log.Warn("dropping task event record", zap.Error(err))
		}
	}
}
