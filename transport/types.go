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

// Package transport implements the network query dispatcher consumed by the
// seq package: a msgpack/net-rpc wire over stream-multiplexed connections,
// with a server that enforces invoke-after ordering against one executed set
// shared by all connections.
package transport

import (
	"github.com/pkg/errors"

	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/utils"
)

// ExecRequest is the wire form of a dispatched query.
type ExecRequest struct {
	// ID is the query wire id, referenced by successors in InvokeAfter.
	ID uint64
	// SessionRand is the client's session hint; SeqService does not read it.
	SessionRand uint32
	// InvokeAfter lists predecessor wire ids the server must have executed
	// before this query may run.
	InvokeAfter []uint64
	Method      string
	Payload     []byte
}

// ExecResponse is the wire form of a query result.
type ExecResponse struct {
	// ErrCode is zero on success.
	ErrCode    int
	ErrMessage string
	// RetryAfter carries the server flood wait hint in seconds.
	RetryAfter float64
	Payload    []byte
}

// buildExecRequest converts a query handle to its wire form, resolving
// invoke-after references. Expired references are dropped silently.
func buildExecRequest(q *query.Query) (req *ExecRequest, err error) {
	payload, err := utils.EncodeMsgPack(q.Args)
	if err != nil {
		err = errors.Wrapf(err, "encode args of query %d failed", q.ID())
		return
	}

	req = &ExecRequest{
		ID:          q.ID(),
		SessionRand: q.SessionRand,
		Method:      q.Method,
		Payload:     payload.Bytes(),
	}
	for _, ref := range q.InvokeAfter() {
		if id := ref.ID(); id != 0 {
			req.InvokeAfter = append(req.InvokeAfter, id)
		}
	}

	return
}

// applyExecResponse writes a wire response back onto the query handle.
func applyExecResponse(q *query.Query, resp *ExecResponse) {
	q.LastTimeout = resp.RetryAfter
	if resp.RetryAfter > 0 {
		q.TotalTimeout += resp.RetryAfter
	}
	if resp.ErrCode != 0 {
		q.SetError(query.NewError(resp.ErrCode, resp.ErrMessage))
		return
	}
	q.Result = resp.Payload
}
