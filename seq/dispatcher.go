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

package seq

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/utils/log"
)

const (
	// MaxSimultaneousWait caps queries outstanding at the transport per
	// dispatcher, including queries parked at a callback resend decision.
	MaxSimultaneousWait = 10

	// mailbox window per dispatcher
	mailboxSize = 256
)

var (
	defaultIdleClose   = 5 * time.Second
	defaultIdleRecheck = time.Second
)

type nodeState int

const (
	stateStart nodeState = iota
	stateWait
	stateFinish
	stateDummy
)

// node tracks one query inside the dispatcher queue.
//
// Start: enqueued, not dispatched. Wait: owned by the transport or parked at
// a resend decision. Dummy: held while a handler decides resend vs finish,
// never observed at rest. Finish: terminal, slot may be compacted away.
type node struct {
	state nodeState
	// weak reference, stable across Start/Wait transitions
	ref *query.Ref
	// owned query, nil while in transit
	q  *query.Query
	cb Callback
	// invoke-after chain generation recorded at dispatch
	generation int
	// flood wait accumulated from earlier queue members
	totalTimeout float64
	lastTimeout  float64
}

// Dispatcher sends queries of a single chain with invoke-after references so
// the server rejects out-of-order execution, and repairs the chain when the
// server signals such a rejection.
//
// finishI points to the first non-Finish node, nextI to the next node to
// send. Each dispatch records the current invoke-after generation; when a
// query fails with a matching generation a new chain is started: the
// generation advances and nextI rewinds to finishI. lastSentI remembers the
// last node sent in the current chain.
//
// All state is owned by the run goroutine; public methods post into its
// mailbox.
type Dispatcher struct {
	net    NetDispatcher
	parent Parent

	sessionRand uint32

	evCh    chan func()
	stopCh  chan struct{}
	stopped int32
	wg      sync.WaitGroup

	data      []*node
	finishI   int
	nextI     int
	lastSentI int
	waitCnt   int

	generation int
	idOffset   uint64

	idleClose   time.Duration
	idleRecheck time.Duration
	idleTimer   *time.Timer
}

// NewDispatcher creates a dispatcher and starts its run goroutine. parent
// may be nil; without a parent the idle-close handshake is disabled.
func NewDispatcher(net NetDispatcher, parent Parent) *Dispatcher {
	d := &Dispatcher{
		net:         net,
		parent:      parent,
		sessionRand: randUint32(),
		evCh:        make(chan func(), mailboxSize),
		stopCh:      make(chan struct{}),
		lastSentI:   -1,
		idleClose:   defaultIdleClose,
		idleRecheck: defaultIdleRecheck,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.WithError(err).Fatal("read random source failed")
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case fn := <-d.evCh:
			fn()
		}
	}
}

// post enqueues fn into the mailbox, dropping it once the dispatcher has
// stopped.
func (d *Dispatcher) post(fn func()) {
	select {
	case d.evCh <- fn:
	case <-d.stopCh:
	}
}

func (d *Dispatcher) stop() {
	if atomic.CompareAndSwapInt32(&d.stopped, 0, 1) {
		d.cancelIdleTimer()
		close(d.stopCh)
	}
}

// join blocks until the run goroutine exits.
func (d *Dispatcher) join() {
	d.wg.Wait()
}

// Send enqueues a query at the queue tail.
func (d *Dispatcher) Send(q *query.Query, cb Callback) {
	d.post(func() {
		d.handleSend(q, cb)
	})
}

// Hangup stops the dispatcher without touching live queries.
func (d *Dispatcher) Hangup() {
	d.post(d.stop)
}

// TearDown fails every live owned query with the aborted error, delivers it
// through the callback, then stops.
func (d *Dispatcher) TearDown() {
	d.post(func() {
		d.tearDown()
		d.stop()
	})
}

// CloseSilent drops every live owned query without invoking callbacks, then
// stops.
func (d *Dispatcher) CloseSilent() {
	d.post(func() {
		for _, n := range d.data {
			if n.q != nil {
				n.q.Clear()
			}
		}
		d.stop()
	})
}

func (d *Dispatcher) handleSend(q *query.Query, cb Callback) {
	d.cancelIdleTimer()
	d.data = append(d.data, &node{
		state: stateStart,
		ref:   q.WeakRef(),
		q:     q,
		cb:    cb,
	})
	d.loop()
}

// resultSink routes a transport result back into the owning dispatcher
// mailbox under the node's absolute token.
type resultSink struct {
	d     *Dispatcher
	token uint64
}

func (s *resultSink) OnResult(q *query.Query) {
	s.d.post(func() {
		s.d.handleResult(s.token, q)
	})
}

// nodeFromToken resolves the absolute token of an in-flight query and takes
// the node out of Wait.
func (d *Dispatcher) nodeFromToken(token uint64) (n *node, pos int) {
	pos = int(int64(token) - int64(d.idOffset))
	if pos < 0 || pos >= len(d.data) {
		log.Panicf("token %d out of range, offset %d, size %d", token, d.idOffset, len(d.data))
	}
	n = d.data[pos]
	if n.state != stateWait {
		log.Panicf("token %d resolves to node in state %d", token, n.state)
	}
	if d.waitCnt <= 0 {
		log.Panicf("wait count underflow at token %d", token)
	}
	d.waitCnt--
	n.state = stateDummy
	return
}

func (d *Dispatcher) handleResult(token uint64, q *query.Query) {
	n, pos := d.nodeFromToken(token)

	// Flood wait observed on this query defers every later queue member.
	if q.LastTimeout != 0 {
		for i := pos + 1; i < len(d.data); i++ {
			later := d.data[i]
			later.totalTimeout += q.LastTimeout
			later.lastTimeout = q.LastTimeout
			d.checkTimeout(later)
		}
	}

	if query.NeedsInvokeAfterResend(q) {
		log.WithField("query", q.ID()).Debug("resend after ordering failure")
		q.Resend()
		n.q = q
		d.doResend(n)
	} else {
		d.tryResendQuery(n, q)
	}
	d.loop()
}

// checkTimeout folds accumulated flood wait into a queued query and fails it
// with 429 once the per-query limit is crossed.
func (d *Dispatcher) checkTimeout(n *node) {
	if n.state != stateStart {
		return
	}
	n.q.TotalTimeout += n.totalTimeout
	n.totalTimeout = 0
	if n.q.TotalTimeout <= n.q.TotalTimeoutLimit {
		return
	}

	log.WithFields(log.Fields{
		"query":   n.q.ID(),
		"timeout": n.q.TotalTimeout,
		"limit":   n.q.TotalTimeoutLimit,
	}).Warn("query failed, total timeout exceeds limit")

	n.q.SetError(query.TooManyRequests(int(n.lastTimeout + 0.999)))
	n.state = stateDummy
	q := n.q
	n.q = nil
	d.tryResendQuery(n, q)
}

// tryResendQuery parks the node in Wait and asks the callback whether the
// query should be retried. The occupied wait slot intentionally throttles
// callbacks that are slow to decide.
func (d *Dispatcher) tryResendQuery(n *node, q *query.Query) {
	pos := d.posOf(n)
	if n.state != stateDummy {
		log.Panicf("resend decision on node %d in state %d", pos, n.state)
	}
	n.state = stateWait
	d.waitCnt++
	token := uint64(pos) + d.idOffset

	promise := newResendPromise(func(rq *query.Query) {
		d.post(func() {
			if rq != nil {
				d.onResendOk(token, rq)
			} else {
				d.onResendError(token)
			}
		})
	})
	n.cb.OnResultResendable(q, promise)
}

func (d *Dispatcher) onResendOk(token uint64, q *query.Query) {
	n, _ := d.nodeFromToken(token)
	n.q = q
	n.ref = q.WeakRef()
	d.doResend(n)
	d.loop()
}

func (d *Dispatcher) onResendError(token uint64) {
	n, _ := d.nodeFromToken(token)
	d.doFinish(n)
	d.loop()
}

// doResend returns the node to Start. A failure of the node that was sent in
// the current chain starts a new one: members of the old chain that fail from
// the same incident carry the older generation and do not restart the chain
// again.
func (d *Dispatcher) doResend(n *node) {
	if n.state != stateDummy {
		log.Panicf("resend of node in state %d", n.state)
	}
	n.state = stateStart
	if n.generation == d.generation {
		d.nextI = d.finishI
		d.generation++
		d.lastSentI = -1
	}
	d.checkTimeout(n)
}

func (d *Dispatcher) doFinish(n *node) {
	if n.state != stateDummy {
		log.Panicf("finish of node in state %d", n.state)
	}
	n.state = stateFinish
	if d.parent != nil {
		d.parent.OnResult()
	}
}

func (d *Dispatcher) posOf(n *node) int {
	for i, v := range d.data {
		if v == n {
			return i
		}
	}
	log.Panicf("node not found in queue of size %d", len(d.data))
	return -1
}

// loop advances finishI past the finished prefix and dispatches queued
// queries up to the in-flight cap.
func (d *Dispatcher) loop() {
	for ; d.finishI < len(d.data) && d.data[d.finishI].state == stateFinish; d.finishI++ {
	}
	if d.nextI < d.finishI {
		d.nextI = d.finishI
	}
	for ; d.nextI < len(d.data) && d.data[d.nextI].state != stateWait && d.waitCnt < MaxSimultaneousWait; d.nextI++ {
		n := d.data[d.nextI]
		if n.state == stateFinish {
			continue
		}

		var invokeAfter []*query.Ref
		if d.lastSentI >= 0 && d.data[d.lastSentI].state == stateWait {
			if ref := d.data[d.lastSentI].ref; !ref.Empty() {
				invokeAfter = []*query.Ref{ref}
			}
		}
		n.q.SetInvokeAfter(invokeAfter)
		// this dispatch is not a flood retry
		n.q.LastTimeout = 0
		// retries stay bound to one server session so invoke-after can be
		// honoured there
		n.q.SessionRand = d.sessionRand

		q := n.q
		n.q = nil
		n.state = stateWait
		d.waitCnt++
		n.generation = d.generation
		d.lastSentI = d.nextI

		log.WithFields(log.Fields{
			"query":      q.ID(),
			"generation": n.generation,
		}).Debug("send query")

		d.net.Dispatch(q, &resultSink{d: d, token: uint64(d.nextI) + d.idOffset})
	}

	d.tryShrink()

	if d.finishI == len(d.data) && d.parent != nil {
		d.armIdleTimer(d.idleClose)
	}
}

// tryShrink erases the finished prefix once it dominates the queue,
// advancing idOffset so the absolute token of any query still in transit
// keeps resolving to the same node.
func (d *Dispatcher) tryShrink() {
	if d.finishI*2 <= len(d.data) || len(d.data) <= 5 {
		return
	}
	if d.finishI > d.nextI {
		log.Panicf("finish index %d ahead of next index %d", d.finishI, d.nextI)
	}

	d.data = append([]*node(nil), d.data[d.finishI:]...)
	d.nextI -= d.finishI
	if d.lastSentI >= 0 {
		if d.lastSentI >= d.finishI {
			d.lastSentI -= d.finishI
		} else {
			d.lastSentI = -1
		}
	}
	d.idOffset += uint64(d.finishI)
	d.finishI = 0
}

func (d *Dispatcher) armIdleTimer(delay time.Duration) {
	d.cancelIdleTimer()
	d.idleTimer = time.AfterFunc(delay, func() {
		d.post(d.idleTimeout)
	})
}

func (d *Dispatcher) cancelIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

// idleTimeout confirms the queue is still drained, re-arms a short recheck
// and tells the parent this dispatcher is safe to release. The second timer
// covers a submit racing the expiry.
func (d *Dispatcher) idleTimeout() {
	if d.finishI != len(d.data) {
		return
	}
	d.armIdleTimer(d.idleRecheck)
	log.Debug("dispatcher ready to close")
	d.parent.ReadyToClose()
}

func (d *Dispatcher) tearDown() {
	for _, n := range d.data {
		if n.q == nil {
			continue
		}
		n.state = stateDummy
		n.q.SetError(query.Aborted())
		q := n.q
		n.q = nil
		n.cb.OnResult(q)
		d.doFinish(n)
	}
}
