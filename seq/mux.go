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

	"github.com/CovenantSQL/seqrpc/chainsched"
	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/utils/log"
)

// Mux fans submissions out to one single-chain Dispatcher per chain id,
// creating dispatchers lazily and releasing them once they report idle with
// no outstanding queries.
type Mux struct {
	net NetDispatcher

	mu          sync.Mutex
	dispatchers map[chainsched.ChainID]*muxEntry
}

type muxEntry struct {
	cnt int
	d   *Dispatcher
}

// NewMux creates an empty dispatcher multiplexer.
func NewMux(net NetDispatcher) *Mux {
	return &Mux{
		net:         net,
		dispatchers: make(map[chainsched.ChainID]*muxEntry),
	}
}

// Send routes the query to the dispatcher owning chains[0]. Chain ids must
// be non-zero and the list non-empty.
func (m *Mux) Send(q *query.Query, cb Callback, chains []chainsched.ChainID) {
	if len(chains) == 0 {
		log.Panicf("query %d submitted with no chains", q.ID())
	}
	for _, c := range chains {
		if c == 0 {
			log.Panicf("query %d submitted with zero chain id", q.ID())
		}
	}
	seqID := chains[0]

	m.mu.Lock()
	e, ok := m.dispatchers[seqID]
	if !ok {
		log.WithField("chain", seqID).Debug("create dispatcher")
		e = &muxEntry{
			d: NewDispatcher(m.net, &muxParent{m: m, id: seqID}),
		}
		m.dispatchers[seqID] = e
	}
	e.cnt++
	d := e.d
	m.mu.Unlock()

	d.Send(q, cb)
}

// Close tears down every live dispatcher and waits for their goroutines.
func (m *Mux) Close() {
	m.mu.Lock()
	entries := make([]*muxEntry, 0, len(m.dispatchers))
	for id, e := range m.dispatchers {
		entries = append(entries, e)
		delete(m.dispatchers, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.d.TearDown()
		e.d.join()
	}
}

// muxParent relays per-dispatcher progress back to the owning Mux.
type muxParent struct {
	m  *Mux
	id chainsched.ChainID
}

func (p *muxParent) OnResult() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	e, ok := p.m.dispatchers[p.id]
	if !ok {
		return
	}
	e.cnt--
}

func (p *muxParent) ReadyToClose() {
	p.m.mu.Lock()
	e, ok := p.m.dispatchers[p.id]
	if !ok || e.cnt != 0 {
		p.m.mu.Unlock()
		return
	}
	delete(p.m.dispatchers, p.id)
	d := e.d
	p.m.mu.Unlock()

	log.WithField("chain", p.id).Debug("close dispatcher")
	d.Hangup()
}
