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

// Package actor provides the minimal process contract used by the bridge's
// long-running loops and a typed mailbox for feeding them events.
package actor

import "context"

// Actor is a long-running process. Start blocks until the context is
// cancelled or the actor fails, and returns the reason it stopped.
type Actor interface {
	Start(ctx context.Context) error
}

// Func adapts a plain function to the Actor interface.
type Func func(ctx context.Context) error

// Start calls f(ctx).
func (f Func) Start(ctx context.Context) error {
	return f(ctx)
}

// Mailbox is a buffered, typed message queue consumed by a single actor.
type Mailbox[T any] struct {
	messages chan T
}

// NewMailbox creates a mailbox holding up to size undelivered messages.
func NewMailbox[T any](size int) *Mailbox[T] {
	return &Mailbox[T]{
		messages: make(chan T, size),
	}
}

// Send enqueues msg, blocking while the mailbox is full. It gives up when ctx
// is done.
func (mb *Mailbox[T]) Send(ctx context.Context, msg T) error {
	select {
	case mb.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg without blocking and reports whether it was accepted.
func (mb *Mailbox[T]) TrySend(msg T) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or ctx is done.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the receive side for use in select statements.
func (mb *Mailbox[T]) Chan() <-chan T {
	return mb.messages
}

// Len returns the number of queued messages.
func (mb *Mailbox[T]) Len() int {
	return len(mb.messages)
}
