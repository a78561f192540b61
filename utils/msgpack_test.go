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

package utils

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type testEnvelope struct {
	ID      uint64
	Method  string
	Parents []uint64
}

func TestMsgPack(t *testing.T) {
	Convey("envelopes survive a round trip", t, func() {
		in := &testEnvelope{
			ID:      42,
			Method:  "ping",
			Parents: []uint64{40, 41},
		}
		buf, err := EncodeMsgPack(in)
		So(err, ShouldBeNil)

		var out testEnvelope
		So(DecodeMsgPack(buf.Bytes(), &out), ShouldBeNil)
		So(&out, ShouldResemble, in)
	})
}
