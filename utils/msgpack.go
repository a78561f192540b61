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
	"bytes"
	"io"
	"net/rpc"

	"github.com/ugorji/go/codec"
)

// wireHandle is the single msgpack configuration shared by envelope
// encoding and the net/rpc codecs. RawToString keeps string payloads
// readable after the round trip through the envelope's opaque []byte
// payload field.
var wireHandle = &codec.MsgpackHandle{
	WriteExt: true,
}

func init() {
	wireHandle.RawToString = true
}

// EncodeMsgPack serialises v into a fresh buffer.
func EncodeMsgPack(v interface{}) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, wireHandle).Encode(v); err != nil {
		return nil, err
	}
	return &buf, nil
}

// DecodeMsgPack deserialises buf into out.
func DecodeMsgPack(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), wireHandle).Decode(out)
}

// GetMsgPackClientCodec returns the msgpack client codec for net/rpc.
func GetMsgPackClientCodec(conn io.ReadWriteCloser) rpc.ClientCodec {
	return codec.MsgpackSpecRpc.ClientCodec(conn, wireHandle)
}

// GetMsgPackServerCodec returns the msgpack server codec for net/rpc.
func GetMsgPackServerCodec(conn io.ReadWriteCloser) rpc.ServerCodec {
	return codec.MsgpackSpecRpc.ServerCodec(conn, wireHandle)
}
