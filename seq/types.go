/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package seq dispatches remote queries while preserving a strict
// happens-before relation between queries of the same logical chain.
//
// Dispatcher serialises one chain with retry generations, an in-flight cap
// and flood wait propagation. MultiDispatcher schedules queries that belong
// to several chains at once on top of chainsched. Mux fans single-chain
// submissions out to one Dispatcher per chain id and reclaims idle ones.
package seq

import (
	"sync"

	"github.com/CovenantSQL/seqrpc/query"
)

// NetDispatcher is the lower level transport consumed by the dispatchers.
// Dispatch takes ownership of the query and must deliver it back through the
// sink exactly once, from a goroutine other than the caller's.
type NetDispatcher interface {
	Dispatch(q *query.Query, sink query.ResultSink)
}

// Callback interprets business level results.
type Callback interface {
	// OnResult delivers a terminal query, including queries aborted during
	// teardown.
	OnResult(q *query.Query)
	// OnResultResendable hands over a finished query together with a
	// promise the callback must resolve exactly once: with a (possibly
	// rebuilt) query to retry it, or with nil to abandon it.
	OnResultResendable(q *query.Query, promise *ResendPromise)
}

// Parent observes a Dispatcher's progress: OnResult fires once per query
// reaching its terminal state, ReadyToClose after the idle grace period when
// the dispatcher has no live work.
type Parent interface {
	OnResult()
	ReadyToClose()
}

// ResendPromise is the single-resolution decision slot passed to
// Callback.OnResultResendable.
type ResendPromise struct {
	once sync.Once
	fn   func(*query.Query)
}

func newResendPromise(fn func(*query.Query)) *ResendPromise {
	return &ResendPromise{fn: fn}
}

// Resolve settles the promise. A non-nil query means retry, nil means
// abandon. Calls after the first are ignored.
func (p *ResendPromise) Resolve(q *query.Query) {
	p.once.Do(func() {
		p.fn(q)
	})
}
