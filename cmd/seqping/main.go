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

// Command seqping starts a loopback ordering server, pushes a batch of
// chained queries through the dispatchers and reports how many queries the
// server executed and how many failed at the client.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/CovenantSQL/seqrpc/chainsched"
	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/seq"
	"github.com/CovenantSQL/seqrpc/transport"
	"github.com/CovenantSQL/seqrpc/utils/log"
)

var (
	listenAddr string
	queryCnt   int
	chainCnt   int
	floodEvery int
	useMulti   bool
	logLevel   string
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:0", "loopback server listen address")
	flag.IntVar(&queryCnt, "queries", 100, "number of queries to send")
	flag.IntVar(&chainCnt, "chains", 4, "number of chains to spread queries over")
	flag.IntVar(&floodEvery, "flood-every", 0, "answer every n-th query with a flood hint")
	flag.BoolVar(&useMulti, "multi", false, "use the multi-chain dispatcher instead of the mux")
	flag.StringVar(&logLevel, "log-level", "info", "console log level")
}

type doneCallback struct {
	done chan *query.Query
}

func (c *doneCallback) OnResult(q *query.Query) {
	c.done <- q
}

func (c *doneCallback) OnResultResendable(q *query.Query, promise *seq.ResendPromise) {
	promise.Resolve(nil)
	c.done <- q
}

func main() {
	flag.Parse()
	log.SetStringLevel(logLevel, log.InfoLevel)

	server, err := transport.NewServer(&transport.ServerConfig{
		FloodEvery: floodEvery,
		FloodWait:  0.5,
	})
	if err != nil {
		log.WithError(err).Fatal("create server failed")
	}
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.WithError(err).Fatal("listen failed")
	}
	server.SetListener(l)
	go server.Serve()
	defer server.Stop()

	disp := transport.NewRPCDispatcher(server.Addr())
	defer disp.Close()

	cb := &doneCallback{done: make(chan *query.Query, queryCnt)}
	start := time.Now()

	if useMulti {
		md := seq.NewMultiDispatcher(disp)
		defer md.TearDown()
		for i := 0; i != queryCnt; i++ {
			q := query.New("ping", fmt.Sprintf("payload %d", i))
			q.TotalTimeoutLimit = 10
			md.Send(q, cb, []chainsched.ChainID{chainsched.ChainID(i%chainCnt + 1)})
		}
	} else {
		mux := seq.NewMux(disp)
		defer mux.Close()
		for i := 0; i != queryCnt; i++ {
			q := query.New("ping", fmt.Sprintf("payload %d", i))
			q.TotalTimeoutLimit = 10
			mux.Send(q, cb, []chainsched.ChainID{chainsched.ChainID(i%chainCnt + 1)})
		}
	}

	var failed int
	for i := 0; i != queryCnt; i++ {
		q := <-cb.done
		if q.IsError() {
			failed++
			log.WithField("query", q.ID()).WithError(q.Err()).Warn("query failed")
		}
	}

	fmt.Printf("sent %d queries over %d chains in %s\n", queryCnt, chainCnt, time.Since(start))
	fmt.Printf("server executed %d, client failures %d\n", server.Service().ExecutedCount(), failed)

	if failed > 0 {
		os.Exit(1)
	}
}
