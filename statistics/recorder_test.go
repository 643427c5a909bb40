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

package statistics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/framefarm/framefarm/model"
	"github.com/framefarm/framefarm/pkg/errors"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	events []*model.TaskEventCount
	err    error
}

func (s *memStore) CreateTaskEvent(ctx context.Context, event *model.TaskEventCount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) all() []*model.TaskEventCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.TaskEventCount(nil), s.events...)
}

func TestRecorderBucketsPerQueue(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	clk := clock.NewMock()
	rec := NewRecorder(store, WithClock(clk))
	ctx := context.Background()

	queueID := uint(7)
	rec.RecordTransition(ctx, &queueID, model.TaskDisplayAssigned, model.TaskDisplayRunning)
	rec.RecordTransition(ctx, &queueID, model.TaskDisplayRunning, model.TaskDisplayDone)
	rec.RecordTransition(ctx, &queueID, model.TaskDisplayRunning, model.TaskDisplayFailed)
	// a requeue shows up as restarted
	rec.RecordTransition(ctx, &queueID, model.TaskDisplayRunning, model.TaskDisplayQueued)
	// jobs outside any queue land in their own bucket
	rec.RecordTransition(ctx, nil, model.TaskDisplayAssigned, model.TaskDisplayRunning)

	clk.Add(time.Minute)
	rec.Flush(ctx)

	events := store.all()
	require.Len(t, events, 2)
	for _, event := range events {
		require.True(t, event.TimeEnd.After(event.TimeStart))
		if event.JobQueueID == nil {
			require.Equal(t, 1, event.NumStarted)
			continue
		}
		require.Equal(t, queueID, *event.JobQueueID)
		require.Equal(t, 1, event.NumStarted)
		require.Equal(t, 1, event.NumDone)
		require.Equal(t, 1, event.NumFailed)
		require.Equal(t, 1, event.NumRestarted)
	}

	// buckets are reset on flush; an empty interval writes nothing
	rec.Flush(ctx)
	require.Len(t, store.all(), 2)
}

func TestRecorderFlushIsAdvisory(t *testing.T) {
	t.Parallel()

	store := &memStore{err: errors.New("store down")}
	rec := NewRecorder(store, WithClock(clock.NewMock()))
	ctx := context.Background()

	rec.RecordTransition(ctx, nil, model.TaskDisplayAssigned, model.TaskDisplayRunning)
	// errors are swallowed, the recorder keeps going
	rec.Flush(ctx)
	require.Empty(t, store.all())

	store.err = nil
	rec.RecordTransition(ctx, nil, model.TaskDisplayRunning, model.TaskDisplayDone)
	rec.Flush(ctx)
	require.Len(t, store.all(), 1)
}

func TestRecorderRunFlushesOnTick(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	clk := clock.NewMock()
	rec := NewRecorder(store, WithClock(clk), WithFlushInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.RecordTransition(ctx, nil, model.TaskDisplayAssigned, model.TaskDisplayRunning)
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(store.all()) == 1
	}, time.Second, 10*time.Millisecond)

	// the final flush on shutdown drains what is left
	rec.RecordTransition(ctx, nil, model.TaskDisplayRunning, model.TaskDisplayDone)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, store.all(), 2)
}
