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

// Package query defines the outbound query handle shared between the
// sequencing dispatchers and the network transport.
package query

import (
	"fmt"
	"sync/atomic"
)

var idSeq uint64

// Query is an outbound request handle. It is owned by exactly one component
// at a time: the dispatcher while queued, the transport while in flight.
// Weak references obtained through WeakRef stay readable from other
// goroutines for the whole query lifecycle.
type Query struct {
	// Method names the remote procedure.
	Method string
	// Args is the opaque request payload.
	Args interface{}
	// Result is the opaque response payload, set by the transport.
	Result interface{}

	// SessionRand biases server session selection so that retries of one
	// chain land on the same session.
	SessionRand uint32

	// TotalTimeout accumulates flood wait already spent on this query.
	TotalTimeout float64
	// TotalTimeoutLimit bounds TotalTimeout; crossing it fails the query
	// with code 429.
	TotalTimeoutLimit float64
	// LastTimeout is the last flood wait hint observed for this query.
	LastTimeout float64

	id          uint64
	err         *Error
	invokeAfter []*Ref
	resendCnt   int32
	expired     int32

	ref *Ref
}

// New creates a query handle with a fresh wire id.
func New(method string, args interface{}) *Query {
	q := &Query{
		Method: method,
		Args:   args,
		id:     atomic.AddUint64(&idSeq, 1),
	}
	q.ref = &Ref{q: q}
	return q
}

// ID returns the wire id. It is stable for the whole query lifecycle and is
// the token predecessors are referenced by in invoke-after lists.
func (q *Query) ID() uint64 {
	return q.id
}

// WeakRef returns the non-owning reference to this query. The same Ref
// instance is returned on every call.
func (q *Query) WeakRef() *Ref {
	return q.ref
}

// SetInvokeAfter replaces the predecessor list sent with this query.
func (q *Query) SetInvokeAfter(refs []*Ref) {
	q.invokeAfter = refs
}

// InvokeAfter returns the predecessor list.
func (q *Query) InvokeAfter() []*Ref {
	return q.invokeAfter
}

// SetError records a terminal error on the query, dropping any result.
func (q *Query) SetError(err *Error) {
	q.err = err
	q.Result = nil
}

// Err returns the recorded error, nil on success.
func (q *Query) Err() *Error {
	return q.err
}

// IsError reports whether the query carries an error.
func (q *Query) IsError() bool {
	return q.err != nil
}

// Resend prepares the query for another dispatch attempt: the error is
// cleared and the resend counter advances. The wire id is kept so that
// invoke-after references held by successors stay valid.
func (q *Query) Resend() {
	q.err = nil
	q.Result = nil
	atomic.AddInt32(&q.resendCnt, 1)
}

// ResendCount returns how many times Resend was called.
func (q *Query) ResendCount() int {
	return int(atomic.LoadInt32(&q.resendCnt))
}

// Clear drops payloads and expires the weak reference. Used when the owner
// abandons the query without a result.
func (q *Query) Clear() {
	atomic.StoreInt32(&q.expired, 1)
	q.Args = nil
	q.Result = nil
	q.invokeAfter = nil
}

func (q *Query) String() string {
	return fmt.Sprintf("query %d [%s]", q.id, q.Method)
}

// Ref is a non-owning reference to a query. The zero/nil value is the empty
// reference. A Ref may outlive the slot owning its query; once the query is
// cleared the reference silently resolves as expired.
type Ref struct {
	q *Query
}

// Empty reports whether the reference points at no query at all.
func (r *Ref) Empty() bool {
	return r == nil || r.q == nil
}

// Alive reports whether the referenced query has not been cleared.
func (r *Ref) Alive() bool {
	return !r.Empty() && atomic.LoadInt32(&r.q.expired) == 0
}

// ID resolves the referenced wire id, zero when empty or expired.
func (r *Ref) ID() uint64 {
	if !r.Alive() {
		return 0
	}
	return r.q.id
}

// ResultSink receives a query back from the transport, exactly once per
// dispatch.
type ResultSink interface {
	OnResult(q *Query)
}
