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

package transport

import (
	"github.com/CovenantSQL/seqrpc/query"
)

// Local is an in-process NetDispatcher running a handler func per query.
// The handler mutates the query (result or error) before it is handed back.
type Local struct {
	Handler func(q *query.Query)
}

// NewLocal returns a local dispatcher with the given handler.
func NewLocal(handler func(q *query.Query)) *Local {
	return &Local{Handler: handler}
}

// Dispatch runs the handler asynchronously and delivers the query back.
func (l *Local) Dispatch(q *query.Query, sink query.ResultSink) {
	go func() {
		if l.Handler != nil {
			l.Handler(q)
		}
		sink.OnResult(q)
	}()
}
