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
	"expvar"
	"sync"
	"time"

	mw "github.com/zserge/metric"
)

// Dispatch cost metrics are published per method and outcome under
//
//	dispatch.<method>.<ok|err>.cost   (histogram, seconds)
//	dispatch.<method>.<ok|err>.count  (counter)
//
// where err covers calls that never reached the ordering service; a query
// the server answered with an error still counts as ok here.
var published sync.Map // metric name -> mw.Metric

func recordDispatchCost(startTime time.Time, method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "err"
	}
	base := "dispatch." + method + "." + outcome
	metricFor(base+".cost", newCostHistogram).Add(time.Since(startTime).Seconds())
	metricFor(base+".count", newCallCounter).Add(1)
}

func newCostHistogram() mw.Metric {
	return mw.NewHistogram("30s5s", "15m30s")
}

func newCallCounter() mw.Metric {
	return mw.NewCounter("30s5s", "15m30s")
}

// metricFor returns the metric registered under name, creating and
// publishing it on first use. LoadOrStore picks a single winner per name, so
// expvar.Publish never sees a duplicate.
func metricFor(name string, mk func() mw.Metric) mw.Metric {
	if v, ok := published.Load(name); ok {
		return v.(mw.Metric)
	}
	m := mk()
	if v, loaded := published.LoadOrStore(name, m); loaded {
		return v.(mw.Metric)
	}
	expvar.Publish(name, m)
	return m
}
