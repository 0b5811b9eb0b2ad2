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
	"sync"
	"time"
)

type result struct {
	fc    byte
	words []uint16
	err   error
}

// PendingRequest is one in-flight transaction. Its result is delivered on
// done exactly once, by whichever of response, timeout or shutdown removes
// it from the arena first.
type PendingRequest struct {
	ID       uint16
	Deadline time.Time
	done     chan result
}

// pendingArena indexes in-flight requests by transaction id.
type pendingArena struct {
	mu       sync.Mutex
	lastID   uint16
	inflight map[uint16]*PendingRequest
}

func newPendingArena() *pendingArena {
	return &pendingArena{inflight: make(map[uint16]*PendingRequest)}
}

// open allocates the next transaction id. Ids increase monotonically and
// wrap from 0xFFFF to 1; an id still in flight is skipped.
func (a *pendingArena) open(deadline time.Time) *PendingRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		a.lastID++
		if a.lastID == 0 {
			a.lastID = 1
		}
		if _, busy := a.inflight[a.lastID]; !busy {
			break
		}
	}
	pr := &PendingRequest{ID: a.lastID, Deadline: deadline, done: make(chan result, 1)}
	a.inflight[pr.ID] = pr
	return pr
}

// resolve removes id and hands it r. It reports false when id was not in
// flight, which is the case for late responses after a timeout.
func (a *pendingArena) resolve(id uint16, r result) bool {
	a.mu.Lock()
	pr, ok := a.inflight[id]
	if ok {
		delete(a.inflight, id)
	}
	a.mu.Unlock()
	if ok {
		pr.done <- r
	}
	return ok
}

// rejectAll fails every in-flight request with err.
func (a *pendingArena) rejectAll(err error) int {
	a.mu.Lock()
	drained := make([]*PendingRequest, 0, len(a.inflight))
	for id, pr := range a.inflight {
		drained = append(drained, pr)
		delete(a.inflight, id)
	}
	a.mu.Unlock()
	for _, pr := range drained {
		pr.done <- result{err: err}
	}
	return len(drained)
}

func (a *pendingArena) contains(id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inflight[id]
	return ok
}

func (a *pendingArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}
