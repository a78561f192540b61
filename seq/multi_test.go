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
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/seqrpc/chainsched"
	"github.com/CovenantSQL/seqrpc/query"
)

func (m *MultiDispatcher) testSync(fn func()) {
	done := make(chan struct{})
	m.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		panic("dispatcher did not process sync event")
	}
}

func TestMultiDispatcherJoin(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("a task on two chains waits for both and references both", t, func(c C) {
		f := newFakeTransport()
		m := NewMultiDispatcher(f)
		defer func() {
			m.TearDown()
			m.join()
		}()

		cb := newFakeCallback()
		p1, p2, join := newQuery(1), newQuery(2), newQuery(3)
		m.Send(p1, cb, []chainsched.ChainID{1})
		m.Send(p2, cb, []chainsched.ChainID{2})
		m.Send(join, cb, []chainsched.ChainID{1, 2})

		d1, d2, d3 := f.next(), f.next(), f.next()
		So(d3, ShouldNotBeNil)
		So(d1.q, ShouldEqual, p1)
		So(d2.q, ShouldEqual, p2)
		So(d3.q, ShouldEqual, join)
		So(d3.q.InvokeAfter(), ShouldResemble, []*query.Ref{p1.WeakRef(), p2.WeakRef()})

		// session rand is derived from the first chain id
		So(d1.q.SessionRand, ShouldEqual, uint32(1>>10))

		// P1 finishes; the join is refused and re-released referencing only
		// the still-live P2
		d1.reply(nil)
		r := cb.nextResendable()
		So(r, ShouldNotBeNil)
		r.promise.Resolve(nil)

		d3.reply(func(q *query.Query) {
			q.SetError(query.NewError(query.CodeBadRequest, query.MsgWaitFailed))
		})
		d4 := f.next()
		So(d4, ShouldNotBeNil)
		So(d4.q, ShouldEqual, join)
		So(d4.q.ResendCount(), ShouldEqual, 1)
		So(d4.q.InvokeAfter(), ShouldResemble, []*query.Ref{p2.WeakRef()})

		d2.reply(nil)
		cb.nextResendable().promise.Resolve(nil)
		d4.reply(nil)
		cb.nextResendable().promise.Resolve(nil)
	})
}

func TestMultiDispatcherSharedPredecessor(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("a shared predecessor appears once in invoke-after", t, func(c C) {
		f := newFakeTransport()
		m := NewMultiDispatcher(f)
		defer func() {
			m.TearDown()
			m.join()
		}()

		cb := newFakeCallback()
		p := newQuery(1)
		follow := newQuery(2)
		m.Send(p, cb, []chainsched.ChainID{7, 9})
		m.Send(follow, cb, []chainsched.ChainID{7, 9})

		d1, d2 := f.next(), f.next()
		So(d2, ShouldNotBeNil)
		So(d2.q, ShouldEqual, follow)
		So(d2.q.InvokeAfter(), ShouldResemble, []*query.Ref{p.WeakRef()})

		d1.reply(nil)
		cb.nextResendable().promise.Resolve(nil)
		d2.reply(nil)
		cb.nextResendable().promise.Resolve(nil)
	})
}

func TestMultiDispatcherCallbackResend(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("the callback decides resend or finish per task", t, func(c C) {
		f := newFakeTransport()
		m := NewMultiDispatcher(f)
		defer func() {
			m.TearDown()
			m.join()
		}()

		cb := newFakeCallback()
		q1, q2 := newQuery(1), newQuery(2)
		m.Send(q1, cb, []chainsched.ChainID{3})
		m.Send(q2, cb, []chainsched.ChainID{3})

		d1, d2 := f.next(), f.next()
		So(d2, ShouldNotBeNil)
		So(d2.q.InvokeAfter(), ShouldResemble, []*query.Ref{q1.WeakRef()})

		// generic failure of Q1; callback retries with a rebuilt query
		d1.reply(func(q *query.Query) {
			q.SetError(query.NewError(500, "internal server error"))
		})
		r := cb.nextResendable()
		So(r, ShouldNotBeNil)
		q1b := newQuery(1)
		r.promise.Resolve(q1b)

		d3 := f.next()
		So(d3, ShouldNotBeNil)
		So(d3.q, ShouldEqual, q1b)

		d3.reply(nil)
		cb.nextResendable().promise.Resolve(nil)
		d2.reply(nil)
		cb.nextResendable().promise.Resolve(nil)

		var live int
		m.testSync(func() {
			m.sched.ForEach(func(interface{}) { live++ })
		})
		So(live, ShouldEqual, 0)
	})
}

func TestMultiDispatcherContract(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("invalid submissions crash", t, func(c C) {
		f := newFakeTransport()
		m := NewMultiDispatcher(f)
		defer func() {
			m.TearDown()
			m.join()
		}()

		cb := newFakeCallback()
		So(func() { m.Send(newQuery(1), cb, nil) }, ShouldPanic)
		So(func() { m.Send(newQuery(1), cb, []chainsched.ChainID{0}) }, ShouldPanic)
	})

	Convey("teardown stops with queries still at the transport", t, func(c C) {
		f := newFakeTransport()
		m := NewMultiDispatcher(f)

		cb := newFakeCallback()
		m.Send(newQuery(1), cb, []chainsched.ChainID{1})
		m.Send(newQuery(2), cb, []chainsched.ChainID{1})
		So(f.next(), ShouldNotBeNil)
		So(f.next(), ShouldNotBeNil)

		m.TearDown()
		m.join()

		select {
		case <-cb.results:
			c.So(false, ShouldBeTrue)
		case <-time.After(50 * time.Millisecond):
		}
	})
}
