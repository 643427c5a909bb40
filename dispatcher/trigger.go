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

// Package dispatcher bridges the scheduling core and the external
// assignment subsystem. The core fires reasons at a Trigger; the trigger
// coalesces them and drives assignment passes with retries.
package dispatcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/framefarm/framefarm/metrics"
	"github.com/framefarm/framefarm/model"
	"github.com/framefarm/framefarm/pkg/notifier"
	"github.com/framefarm/framefarm/queue"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Dispatcher is the external assignment subsystem. Implementations must be
// idempotent: a pass that finds nothing assignable is a no-op.
type Dispatcher interface {
	// AssignAllPending matches every eligible queued task to a free agent.
	AssignAllPending(ctx context.Context) error
	// AssignToAgent fills the free batch slots of one agent.
	AssignToAgent(ctx context.Context, agentID model.AgentID) error
}

// Discard is a Dispatcher that accepts every pass without assigning
// anything, for deployments where agents pull work themselves.
var Discard Dispatcher = discardDispatcher{}

type discardDispatcher struct{}

func (discardDispatcher) AssignAllPending(context.Context) error { return nil }

func (discardDispatcher) AssignToAgent(context.Context, model.AgentID) error { return nil }

// Trigger is the fire-and-forget notification endpoint the scheduling core
// writes to. Notifications never block the caller; rapid bursts collapse
// into a single assignment pass.
type Trigger struct {
	dispatcher Dispatcher
	notifier   *notifier.Notifier[queue.AssignReason]
	maxRetry   time.Duration
}

// NewTrigger builds a trigger in front of the given dispatcher. Run must be
// called for notifications to have any effect.
func NewTrigger(d Dispatcher) *Trigger {
	return &Trigger{
		dispatcher: d,
		notifier:   notifier.NewNotifier[queue.AssignReason](),
		maxRetry:   time.Minute,
	}
}

// NotifyAssign implements queue.AssignmentNotifier. It never blocks.
func (t *Trigger) NotifyAssign(reason queue.AssignReason) {
	metrics.AssignNotificationCounter.WithLabelValues(reason.String()).Inc()
	t.notifier.Notify(reason)
}

// Run consumes notifications until ctx is canceled or Close is called. Each
// batch of pending notifications results in one assignment pass, retried
// with exponential backoff on failure.
func (t *Trigger) Run(ctx context.Context) error {
	receiver := t.notifier.NewReceiver()
	defer receiver.Close()

	for {
		var reason queue.AssignReason
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason, ok = <-receiver.C:
			if !ok {
				return nil
			}
		}

		// Coalesce whatever queued up behind the first notification.
		coalesced := 0
	drain:
		for {
			select {
			case _, ok := <-receiver.C:
				if !ok {
					return nil
				}
				coalesced++
			default:
				break drain
			}
		}

		log.Debug("running assignment pass",
			zap.Stringer("reason", reason),
			zap.Int("coalesced", coalesced))
		if err := t.assignWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.AssignPassErrorCounter.Inc()
			log.Warn("assignment pass abandoned", zap.Error(err))
		}
	}
}

func (t *Trigger) assignWithRetry(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = t.maxRetry
	return backoff.Retry(func() error {
		return t.dispatcher.AssignAllPending(ctx)
	}, backoff.WithContext(expo, ctx))
}

// Close stops the trigger. Pending notifications are dropped; the
// dispatcher tolerates that since the next pass sees the same store.
func (t *Trigger) Close() {
	t.notifier.Close()
}
