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

func TestEvaluateRequeue(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		attempts int
		budget   int
		action   RequeueAction
	}{
		// budget 3 retries the first three attempts and gives up on the
		// fourth.
		{attempts: 1, budget: 3, action: ActionRequeue},
		{attempts: 2, budget: 3, action: ActionRequeue},
		{attempts: 3, budget: 3, action: ActionRequeue},
		{attempts: 4, budget: 3, action: ActionExhausted},

		// budget 0 never retries.
		{attempts: 1, budget: 0, action: ActionExhausted},

		// unlimited always retries.
		{attempts: 1, budget: model.RequeueUnlimited, action: ActionRequeue},
		{attempts: 1000, budget: model.RequeueUnlimited, action: ActionRequeue},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.action, EvaluateRequeue(tc.attempts, tc.budget),
			"attempts %d budget %d", tc.attempts, tc.budget)
	}
}

func TestRequeueActionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "requeue", ActionRequeue.String())
	require.Equal(t, "exhausted", ActionExhausted.String())
	require.Equal(t, "unknown", RequeueAction(0).String())
}
