// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// RetryState is a state of the write retry machine.
type RetryState int

const (
	RetryIdle RetryState = iota
	RetryAttempting
	RetryBackoff
	RetryRolledBack
	RetryFailed
	RetrySucceeded
)

func (s RetryState) String() string {
	switch s {
	case RetryAttempting:
		return "attempting"
	case RetryBackoff:
		return "backoff"
	case RetryRolledBack:
		return "rolled_back"
	case RetryFailed:
		return "failed"
	case RetrySucceeded:
		return "succeeded"
	}
	return "idle"
}

// RetryPolicy bounds a write sequence. The delay after attempt n is
// Backoff*n.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Delay is the backoff after the given (1-based) attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Backoff * time.Duration(attempt)
}

// Transition is emitted on every state change.
type Transition struct {
	State   RetryState
	Attempt int
	Until   time.Time
	Err     error
}

// WriteOutcome is the final result of a write sequence.
type WriteOutcome struct {
	State       RetryState
	Attempts    int
	Err         error
	RollbackErr error
}

// retryMachine drives attempt, backoff and rollback from a single loop.
type retryMachine struct {
	policy  RetryPolicy
	clock   clock.Clock
	observe func(Transition)
	state   RetryState
}

func newRetryMachine(policy RetryPolicy, c clock.Clock, observe func(Transition)) *retryMachine {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &retryMachine{policy: policy, clock: c, observe: observe}
}

func (m *retryMachine) enter(t Transition) {
	m.state = t.State
	if m.observe != nil {
		m.observe(t)
	}
}

// run calls attempt until it succeeds or the policy is exhausted. On
// exhaustion rollback, when non-nil, is called once.
func (m *retryMachine) run(ctx context.Context, attempt func(n int) error, rollback func() error) WriteOutcome {
	m.enter(Transition{State: RetryIdle})
	var lastErr error
	n := 0
loop:
	for n < m.policy.Attempts {
		n++
		m.enter(Transition{State: RetryAttempting, Attempt: n})
		lastErr = attempt(n)
		if lastErr == nil {
			m.enter(Transition{State: RetrySucceeded, Attempt: n})
			return WriteOutcome{State: RetrySucceeded, Attempts: n}
		}
		if n == m.policy.Attempts {
			break
		}
		d := m.policy.Delay(n)
		m.enter(Transition{State: RetryBackoff, Attempt: n, Until: m.clock.Now().Add(d), Err: lastErr})
		select {
		case <-m.clock.After(d):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break loop
		}
	}

	failure := fmt.Errorf("Command failed after %d attempts: %v", n, lastErr)
	if rollback == nil {
		m.enter(Transition{State: RetryFailed, Attempt: n, Err: failure})
		return WriteOutcome{State: RetryFailed, Attempts: n, Err: failure}
	}
	if rerr := rollback(); rerr != nil {
		failure = fmt.Errorf("%w: %v; %v", ErrRollbackFailed, rerr, failure)
		m.enter(Transition{State: RetryFailed, Attempt: n, Err: failure})
		return WriteOutcome{State: RetryFailed, Attempts: n, Err: failure, RollbackErr: rerr}
	}
	m.enter(Transition{State: RetryRolledBack, Attempt: n, Err: failure})
	return WriteOutcome{State: RetryRolledBack, Attempts: n, Err: failure}
}
