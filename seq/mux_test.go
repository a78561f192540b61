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
)

func (m *Mux) dispatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatchers)
}

func TestMuxRouting(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("each chain id owns one dispatcher", t, func(c C) {
		f := newFakeTransport()
		m := NewMux(f)
		defer m.Close()

		cb := newFakeCallback()
		m.Send(newQuery(1), cb, []chainsched.ChainID{1})
		m.Send(newQuery(2), cb, []chainsched.ChainID{2})
		m.Send(newQuery(3), cb, []chainsched.ChainID{1})

		So(m.dispatcherCount(), ShouldEqual, 2)

		// chain 1 queries share one dispatcher, so query 3 references query 1
		d1, d2, d3 := f.next(), f.next(), f.next()
		So(d3, ShouldNotBeNil)
		byID := map[uint64]*dispatched{
			d1.q.ID(): d1, d2.q.ID(): d2, d3.q.ID(): d3,
		}
		var chained int
		for _, d := range byID {
			if len(d.q.InvokeAfter()) == 1 {
				chained++
			}
		}
		So(chained, ShouldEqual, 1)

		for _, d := range byID {
			d.reply(nil)
			r := cb.nextResendable()
			So(r, ShouldNotBeNil)
			r.promise.Resolve(nil)
		}
	})
}

func TestMuxIdleRelease(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("an idle dispatcher is released once drained", t, func(c C) {
		oldClose, oldRecheck := defaultIdleClose, defaultIdleRecheck
		defaultIdleClose, defaultIdleRecheck = 30*time.Millisecond, 10*time.Millisecond
		defer func() {
			defaultIdleClose, defaultIdleRecheck = oldClose, oldRecheck
		}()

		f := newFakeTransport()
		m := NewMux(f)
		defer m.Close()

		cb := newFakeCallback()
		m.Send(newQuery(1), cb, []chainsched.ChainID{5})
		m.Send(newQuery(2), cb, []chainsched.ChainID{5})
		So(m.dispatcherCount(), ShouldEqual, 1)

		finishOK(c, f, cb)
		finishOK(c, f, cb)

		deadline := time.Now().Add(2 * time.Second)
		for m.dispatcherCount() != 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		So(m.dispatcherCount(), ShouldEqual, 0)
	})
}
