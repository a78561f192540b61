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

package chainsched

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSchedulerSingleChain(t *testing.T) {
	Convey("release follows creation order within one chain", t, func() {
		s := New()
		t1 := s.NewTask([]ChainID{1}, "a")
		t2 := s.NewTask([]ChainID{1}, "b")
		t3 := s.NewTask([]ChainID{1}, "c")

		r1, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(r1.ID, ShouldEqual, t1)
		So(r1.Parents, ShouldBeEmpty)
		So(s.Extra(r1.ID), ShouldEqual, "a")

		r2, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(r2.ID, ShouldEqual, t2)
		So(r2.Parents, ShouldResemble, []TaskID{t1})

		r3, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(r3.ID, ShouldEqual, t3)
		So(r3.Parents, ShouldResemble, []TaskID{t2})

		_, ok = s.StartNextTask()
		So(ok, ShouldBeFalse)
	})

	Convey("finished predecessors leave the parent set", t, func() {
		s := New()
		t1 := s.NewTask([]ChainID{1}, nil)
		t2 := s.NewTask([]ChainID{1}, nil)

		r1, _ := s.StartNextTask()
		So(r1.ID, ShouldEqual, t1)
		s.FinishTask(t1)

		r2, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(r2.ID, ShouldEqual, t2)
		So(r2.Parents, ShouldBeEmpty)
	})

	Convey("a pending predecessor blocks release", t, func() {
		s := New()
		t1 := s.NewTask([]ChainID{1}, nil)
		s.NewTask([]ChainID{1}, nil)

		r1, _ := s.StartNextTask()
		So(r1.ID, ShouldEqual, t1)
		s.ResetTask(t1)

		// t1 back to pending, t2 must not overtake it
		r, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(r.ID, ShouldEqual, t1)
	})
}

func TestSchedulerMultiChain(t *testing.T) {
	Convey("a task joins only when eligible on all chains", t, func() {
		s := New()
		p1 := s.NewTask([]ChainID{1}, nil)
		p2 := s.NewTask([]ChainID{2}, nil)
		join := s.NewTask([]ChainID{1, 2}, nil)

		r1, _ := s.StartNextTask()
		So(r1.ID, ShouldEqual, p1)

		r2, _ := s.StartNextTask()
		So(r2.ID, ShouldEqual, p2)

		r3, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(r3.ID, ShouldEqual, join)
		So(r3.Parents, ShouldResemble, []TaskID{p1, p2})
	})

	Convey("a pending chain member holds the join back", t, func() {
		s := New()
		p1 := s.NewTask([]ChainID{1}, nil)
		s.NewTask([]ChainID{2}, nil)
		join := s.NewTask([]ChainID{1, 2}, nil)

		r1, _ := s.StartNextTask()
		So(r1.ID, ShouldEqual, p1)

		// reset p1: the join is now ineligible on chain 1 until p1 runs again
		s.ResetTask(p1)
		_, ok := s.StartNextTask()
		So(ok, ShouldBeTrue) // p1 again
		r, ok := s.StartNextTask()
		So(ok, ShouldBeTrue) // p2
		So(r.Parents, ShouldBeEmpty)

		rj, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(rj.ID, ShouldEqual, join)
	})

	Convey("shared predecessor is deduplicated in chain order", t, func() {
		s := New()
		p := s.NewTask([]ChainID{1, 2}, nil)
		join := s.NewTask([]ChainID{1, 2}, nil)

		rp, _ := s.StartNextTask()
		So(rp.ID, ShouldEqual, p)

		rj, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(rj.ID, ShouldEqual, join)
		So(rj.Parents, ShouldResemble, []TaskID{p})
	})

	Convey("reset recomputes parents on the next release", t, func() {
		s := New()
		p1 := s.NewTask([]ChainID{1}, nil)
		p2 := s.NewTask([]ChainID{2}, nil)
		join := s.NewTask([]ChainID{1, 2}, nil)

		s.StartNextTask()
		s.StartNextTask()
		rj, _ := s.StartNextTask()
		So(rj.Parents, ShouldResemble, []TaskID{p1, p2})

		s.FinishTask(p1)
		s.ResetTask(join)

		rj2, ok := s.StartNextTask()
		So(ok, ShouldBeTrue)
		So(rj2.ID, ShouldEqual, join)
		So(rj2.Parents, ShouldResemble, []TaskID{p2})
	})
}

func TestSchedulerContract(t *testing.T) {
	Convey("invalid calls crash", t, func() {
		s := New()
		So(func() { s.NewTask(nil, nil) }, ShouldPanic)
		So(func() { s.FinishTask(42) }, ShouldPanic)
		So(func() { s.ResetTask(42) }, ShouldPanic)

		id := s.NewTask([]ChainID{1}, nil)
		So(func() { s.ResetTask(id) }, ShouldPanic) // not released yet
	})

	Convey("for each visits live payloads in creation order", t, func() {
		s := New()
		s.NewTask([]ChainID{1}, "a")
		mid := s.NewTask([]ChainID{2}, "b")
		s.NewTask([]ChainID{1}, "c")

		s.StartNextTask()
		s.StartNextTask()
		s.FinishTask(mid)

		var seen []string
		s.ForEach(func(extra interface{}) {
			seen = append(seen, extra.(string))
		})
		So(seen, ShouldResemble, []string{"a", "c"})
	})
}
