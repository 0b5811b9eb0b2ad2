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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/farmbridge/pkg/actor"
)

const fastRestart = 10 * time.Millisecond

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := NewOneForOneSupervisor(nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	spec := Spec{
		ID: "test-actor",
		Actor: actor.Func(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}),
		Restart: RestartPermanent,
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-started

	cancel()
	sup.Wait()
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := NewOneForOneSupervisor(nil)
		err := sup.Start(context.Background(), []Spec{})
		assert.Error(t, err)
		assert.Equal(t, "no child specs provided", err.Error())
	})

	testCases := []struct {
		name      string
		restart   RestartStrategy
		run       func() error
		restarted bool
	}{
		{"permanent restarts on error", RestartPermanent, func() error { return errors.New("i have failed") }, true},
		{"permanent restarts on clean exit", RestartPermanent, func() error { return nil }, true},
		{"permanent restarts on panic", RestartPermanent, func() error { panic("something went horribly wrong") }, true},
		{"transient restarts on error", RestartTransient, func() error { return errors.New("i failed") }, true},
		{"transient stops on clean exit", RestartTransient, func() error { return nil }, false},
		{"temporary never restarts", RestartTemporary, func() error { return errors.New("i failed") }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sup := NewOneForOneSupervisor(nil)
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			var starts atomic.Int32
			spec := Spec{
				ID: tc.name,
				Actor: actor.Func(func(ctx context.Context) error {
					starts.Add(1)
					return tc.run()
				}),
				Restart:      tc.restart,
				RestartDelay: fastRestart,
			}
			assert.NoError(t, sup.Start(ctx, []Spec{spec}))

			<-ctx.Done()
			sup.Wait()

			if tc.restarted {
				assert.Greater(t, starts.Load(), int32(1))
			} else {
				assert.Equal(t, int32(1), starts.Load())
			}
		})
	}
}
