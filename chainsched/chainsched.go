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

// Package chainsched implements a generic multi-chain task scheduler.
//
// A task is created as a member of one or more chains. Within a chain,
// release strictly follows creation order. A task is handed out only when
// every earlier task on each of its chains has been released and not reset;
// the release carries the immediate live predecessor on each chain so the
// caller can express the ordering dependency downstream.
//
// The scheduler is not safe for concurrent use; it is owned by a single
// dispatcher goroutine.
package chainsched

import "fmt"

// TaskID identifies a task within one scheduler instance.
type TaskID uint64

// ChainID identifies a chain. Zero is never used by the dispatchers but the
// scheduler itself does not reserve it.
type ChainID uint64

type taskState int

const (
	taskPending taskState = iota
	taskActive
)

type task struct {
	id     TaskID
	state  taskState
	chains []ChainID
	extra  interface{}
}

// Task is a released task together with the set of tasks the consumer must
// order itself after, deduplicated, in chain declaration order.
type Task struct {
	ID      TaskID
	Parents []TaskID
}

// Scheduler tracks chains and their member tasks.
type Scheduler struct {
	nextID TaskID
	tasks  map[TaskID]*task
	// creation order of live tasks
	order []TaskID
	// live member tasks per chain, oldest first
	chains map[ChainID][]TaskID
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks:  make(map[TaskID]*task),
		chains: make(map[ChainID][]TaskID),
	}
}

// NewTask appends a task to every listed chain and returns its id. A task
// must belong to at least one chain.
func (s *Scheduler) NewTask(chains []ChainID, extra interface{}) TaskID {
	if len(chains) == 0 {
		panic("chainsched: task with no chains")
	}

	s.nextID++
	t := &task{
		id:     s.nextID,
		chains: append([]ChainID(nil), chains...),
		extra:  extra,
	}
	s.tasks[t.id] = t
	s.order = append(s.order, t.id)

	for _, c := range t.chains {
		s.chains[c] = append(s.chains[c], t.id)
	}

	return t.id
}

// Extra returns the payload stored with the task.
func (s *Scheduler) Extra(id TaskID) interface{} {
	return s.mustGet(id).extra
}

// StartNextTask returns the earliest created task that is eligible on every
// one of its chains and marks it active. It returns false when no task can
// be released right now.
func (s *Scheduler) StartNextTask() (t Task, ok bool) {
	for _, id := range s.order {
		cand := s.tasks[id]
		if cand.state != taskPending {
			continue
		}
		if !s.eligible(cand) {
			continue
		}

		cand.state = taskActive
		return Task{ID: cand.id, Parents: s.parents(cand)}, true
	}
	return
}

// eligible reports whether every task ahead of cand on each of its chains
// has already been released.
func (s *Scheduler) eligible(cand *task) bool {
	for _, c := range cand.chains {
		for _, id := range s.chains[c] {
			if id == cand.id {
				break
			}
			if s.tasks[id].state == taskPending {
				return false
			}
		}
	}
	return true
}

// parents collects the immediate live predecessor on each chain. Finished
// tasks have already left the chains, so every entry returned is active.
func (s *Scheduler) parents(cand *task) (parents []TaskID) {
	seen := make(map[TaskID]struct{}, len(cand.chains))
	for _, c := range cand.chains {
		var prev TaskID
		for _, id := range s.chains[c] {
			if id == cand.id {
				break
			}
			prev = id
		}
		if prev == 0 {
			continue
		}
		if _, ok := seen[prev]; ok {
			continue
		}
		seen[prev] = struct{}{}
		parents = append(parents, prev)
	}
	return
}

// FinishTask removes the task from every chain it belongs to. Chains whose
// head it was advance on the next StartNextTask call.
func (s *Scheduler) FinishTask(id TaskID) {
	t := s.mustGet(id)

	for _, c := range t.chains {
		s.chains[c] = removeID(s.chains[c], id)
		if len(s.chains[c]) == 0 {
			delete(s.chains, c)
		}
	}
	s.order = removeID(s.order, id)
	delete(s.tasks, id)
}

// ResetTask makes an active task eligible for re-release at its original
// chain positions. The next release recomputes its parents, which may
// differ from the first release.
func (s *Scheduler) ResetTask(id TaskID) {
	t := s.mustGet(id)
	if t.state != taskActive {
		panic(fmt.Sprintf("chainsched: reset of task %d which is not active", id))
	}
	t.state = taskPending
}

// ForEach visits every live payload. Used during teardown only.
func (s *Scheduler) ForEach(fn func(extra interface{})) {
	for _, id := range s.order {
		fn(s.tasks[id].extra)
	}
}

func (s *Scheduler) mustGet(id TaskID) *task {
	t, ok := s.tasks[id]
	if !ok {
		panic(fmt.Sprintf("chainsched: unknown task %d", id))
	}
	return t
}

func removeID(ids []TaskID, id TaskID) []TaskID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
