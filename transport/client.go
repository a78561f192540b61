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
	"io"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	mux "github.com/xtaci/smux"

	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/utils"
	"github.com/CovenantSQL/seqrpc/utils/log"
	"github.com/CovenantSQL/seqrpc/utils/timer"
)

// codeTransportFailure is reported on a query whose call never reached the
// ordering service.
const codeTransportFailure = 502

// RPCDispatcher is a NetDispatcher sending queries to a remote ordering
// server over a persistent stream-multiplexed session, one stream per call.
type RPCDispatcher struct {
	addr string

	sync.Mutex
	sess *mux.Session
}

// NewRPCDispatcher returns a dispatcher for the given server address.
func NewRPCDispatcher(addr string) *RPCDispatcher {
	return &RPCDispatcher{
		addr: addr,
	}
}

// Dispatch takes ownership of the query and delivers the result to the sink
// from a per-call goroutine.
func (c *RPCDispatcher) Dispatch(q *query.Query, sink query.ResultSink) {
	go c.call(q, sink)
}

func (c *RPCDispatcher) call(q *query.Query, sink query.ResultSink) {
	var (
		startTime = time.Now()
		tm        = timer.NewTimer()
		err       error
	)
	defer func() {
		recordDispatchCost(startTime, q.Method, err)
	}()

	err = c.doCall(q, tm)
	if err != nil {
		if shouldReconnect(err) {
			// the session died under us, retry once on a fresh one
			c.reset()
			err = c.doCall(q, tm)
		}
		if err != nil {
			q.SetError(query.NewError(codeTransportFailure, err.Error()))
		}
	}

	log.WithField("query", q.ID()).
		WithFields(tm.ToLogFields()).
		WithError(err).
		Debug("dispatch query")

	sink.OnResult(q)
}

func (c *RPCDispatcher) doCall(q *query.Query, tm *timer.Timer) (err error) {
	sess, err := c.session()
	if err != nil {
		return
	}
	tm.Add("session")

	stream, err := sess.OpenStream()
	if err != nil {
		err = errors.Wrap(err, "open stream failed")
		return
	}
	tm.Add("stream")

	cli := rpc.NewClientWithCodec(utils.GetMsgPackClientCodec(stream))
	defer func() {
		_ = cli.Close()
	}()

	req, err := buildExecRequest(q)
	if err != nil {
		return
	}

	var resp ExecResponse
	if err = cli.Call(ExecMethod, req, &resp); err != nil {
		err = errors.Wrapf(err, "call %s failed", ExecMethod)
		return
	}
	tm.Add("call")

	applyExecResponse(q, &resp)
	return
}

func (c *RPCDispatcher) session() (sess *mux.Session, err error) {
	c.Lock()
	defer c.Unlock()
	if c.sess != nil && !c.sess.IsClosed() {
		sess = c.sess
		return
	}

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		err = errors.Wrapf(err, "dial to %s failed", c.addr)
		return
	}
	sess, err = mux.Client(conn, mux.DefaultConfig())
	if err != nil {
		_ = conn.Close()
		err = errors.Wrapf(err, "init mux client to %s failed", c.addr)
		return
	}
	c.sess = sess
	return
}

func (c *RPCDispatcher) reset() {
	c.Lock()
	defer c.Unlock()
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
}

// Close closes the underlying session.
func (c *RPCDispatcher) Close() {
	c.reset()
}

func shouldReconnect(err error) bool {
	cause := errors.Cause(err)
	if cause == io.EOF ||
		cause == io.ErrUnexpectedEOF ||
		cause == io.ErrClosedPipe ||
		cause == rpc.ErrShutdown {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "closed pipe")
}
