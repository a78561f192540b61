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
	"sync"
	"sync/atomic"

	"github.com/CovenantSQL/seqrpc/chainsched"
	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/utils/log"
)

// mnode is the scheduler payload per query.
type mnode struct {
	ref *query.Ref
	q   *query.Query
	cb  Callback
}

// MultiDispatcher dispatches queries that may belong to several chains at
// once. Ordering is delegated to a chain scheduler; each released query
// carries invoke-after references to its live predecessors on every chain.
type MultiDispatcher struct {
	net   NetDispatcher
	sched *chainsched.Scheduler

	evCh    chan func()
	stopCh  chan struct{}
	stopped int32
	wg      sync.WaitGroup
}

// NewMultiDispatcher creates a multi-chain dispatcher and starts its run
// goroutine.
func NewMultiDispatcher(net NetDispatcher) *MultiDispatcher {
	m := &MultiDispatcher{
		net:    net,
		sched:  chainsched.New(),
		evCh:   make(chan func(), mailboxSize),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *MultiDispatcher) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case fn := <-m.evCh:
			fn()
		}
	}
}

func (m *MultiDispatcher) post(fn func()) {
	select {
	case m.evCh <- fn:
	case <-m.stopCh:
	}
}

func (m *MultiDispatcher) stop() {
	if atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		close(m.stopCh)
	}
}

func (m *MultiDispatcher) join() {
	m.wg.Wait()
}

// Send submits a query on the given chains. Chain ids must be non-zero and
// the list non-empty.
func (m *MultiDispatcher) Send(q *query.Query, cb Callback, chains []chainsched.ChainID) {
	if len(chains) == 0 {
		log.Panicf("query %d submitted with no chains", q.ID())
	}
	for _, c := range chains {
		if c == 0 {
			log.Panicf("query %d submitted with zero chain id", q.ID())
		}
	}

	m.post(func() {
		m.handleSend(q, cb, chains)
	})
}

// TearDown fails every live owned query with the aborted error and stops.
// The scheduler is left as-is; no further operation will observe it.
func (m *MultiDispatcher) TearDown() {
	m.post(func() {
		m.sched.ForEach(func(extra interface{}) {
			n := extra.(*mnode)
			if n.q == nil {
				return
			}
			n.q.SetError(query.Aborted())
			q := n.q
			n.q = nil
			n.cb.OnResult(q)
		})
		m.stop()
	})
}

func (m *MultiDispatcher) handleSend(q *query.Query, cb Callback, chains []chainsched.ChainID) {
	// retries of one chain stick to one server session
	q.SessionRand = uint32(chains[0] >> 10)
	m.sched.NewTask(chains, &mnode{
		ref: q.WeakRef(),
		q:   q,
		cb:  cb,
	})
	m.flushPendingQueries()
}

// multiSink routes a transport result back under the scheduler task id.
type multiSink struct {
	m    *MultiDispatcher
	task chainsched.TaskID
}

func (s *multiSink) OnResult(q *query.Query) {
	s.m.post(func() {
		s.m.handleResult(s.task, q)
	})
}

func (m *MultiDispatcher) handleResult(task chainsched.TaskID, q *query.Query) {
	n := m.sched.Extra(task).(*mnode)

	if query.NeedsInvokeAfterResend(q) {
		log.WithField("query", q.ID()).Debug("resend after ordering failure")
		q.Resend()
		m.applyResend(task, q)
		return
	}

	promise := newResendPromise(func(rq *query.Query) {
		m.post(func() {
			m.applyResend(task, rq)
		})
	})
	n.cb.OnResultResendable(q, promise)
}

// applyResend settles a resend decision: a query reinserts the task at its
// original chain positions, nil finishes it and advances its chains.
func (m *MultiDispatcher) applyResend(task chainsched.TaskID, q *query.Query) {
	if q == nil {
		m.sched.FinishTask(task)
	} else {
		n := m.sched.Extra(task).(*mnode)
		n.q = q
		n.ref = q.WeakRef()
		m.sched.ResetTask(task)
	}
	m.flushPendingQueries()
}

func (m *MultiDispatcher) flushPendingQueries() {
	for {
		t, ok := m.sched.StartNextTask()
		if !ok {
			break
		}
		n := m.sched.Extra(t.ID).(*mnode)
		if n.q == nil {
			log.Panicf("released task %d owns no query", t.ID)
		}

		parents := make([]*query.Ref, 0, len(t.Parents))
		for _, pid := range t.Parents {
			pn := m.sched.Extra(pid).(*mnode)
			if pn.ref.Empty() {
				log.Panicf("parent task %d carries empty reference", pid)
			}
			parents = append(parents, pn.ref)
		}

		q := n.q
		n.q = nil
		q.SetInvokeAfter(parents)
		q.LastTimeout = 0

		log.WithFields(log.Fields{
			"query":   q.ID(),
			"parents": len(parents),
		}).Debug("send query")

		m.net.Dispatch(q, &multiSink{m: m, task: t.ID})
	}
}
