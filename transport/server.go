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
	"sync"

	"github.com/pkg/errors"
	mux "github.com/xtaci/smux"

	"github.com/CovenantSQL/seqrpc/query"
	"github.com/CovenantSQL/seqrpc/utils"
	"github.com/CovenantSQL/seqrpc/utils/log"
)

// ServiceName is the registered rpc service name.
const ServiceName = "Seq"

// ExecMethod is the full rpc method of SeqService.Exec.
const ExecMethod = ServiceName + ".Exec"

// ServerConfig tunes the ordering server.
type ServerConfig struct {
	// FloodEvery answers every n-th executed request with a RetryAfter hint
	// of FloodWait seconds; refused requests are not counted. Zero disables
	// flood hints.
	FloodEvery int
	// FloodWait is the hint value in seconds.
	FloodWait float64
}

// SeqService executes queries in invoke-after order. A request naming an
// unexecuted predecessor is refused with 400 MSG_WAIT_FAILED so the client
// repairs the chain and resends.
type SeqService struct {
	mu       sync.Mutex
	executed map[uint64]bool
	cfg      ServerConfig
	served   int
}

// NewSeqService creates the ordering service.
func NewSeqService(cfg *ServerConfig) *SeqService {
	s := &SeqService{
		executed: make(map[uint64]bool),
	}
	if cfg != nil {
		s.cfg = *cfg
	}
	return s
}

// Exec executes one query, echoing its payload back.
func (s *SeqService) Exec(req *ExecRequest, resp *ExecResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range req.InvokeAfter {
		if !s.executed[dep] {
			log.WithFields(log.Fields{
				"query":  req.ID,
				"parent": dep,
			}).Debug("refuse out-of-order query")
			resp.ErrCode = query.CodeBadRequest
			resp.ErrMessage = query.MsgWaitFailed
			return nil
		}
	}

	s.served++
	if s.cfg.FloodEvery > 0 && s.served%s.cfg.FloodEvery == 0 {
		resp.RetryAfter = s.cfg.FloodWait
	}

	s.executed[req.ID] = true
	resp.Payload = req.Payload
	return nil
}

// Executed reports whether the query id has been executed.
func (s *SeqService) Executed(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed[id]
}

// ExecutedCount returns the count of executed queries.
func (s *SeqService) ExecutedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

// Server accepts stream-multiplexed connections and serves SeqService over
// msgpack net/rpc codecs.
type Server struct {
	rpcServer *rpc.Server
	service   *SeqService
	stopCh    chan struct{}
	listener  net.Listener
}

// NewServer returns a server with a fresh SeqService registered.
func NewServer(cfg *ServerConfig) (s *Server, err error) {
	s = &Server{
		rpcServer: rpc.NewServer(),
		service:   NewSeqService(cfg),
		stopCh:    make(chan struct{}),
	}
	if err = s.rpcServer.RegisterName(ServiceName, s.service); err != nil {
		err = errors.Wrap(err, "register seq service failed")
		return
	}
	return
}

// Service returns the registered ordering service.
func (s *Server) Service() *SeqService {
	return s.service
}

// SetListener sets the service loop listener, used by func Serve main loop.
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve starts the server main loop.
func (s *Server) Serve() {
serverLoop:
	for {
		select {
		case <-s.stopCh:
			log.Info("stopping server loop")
			break serverLoop
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				continue
			}
			log.WithField("remote", conn.RemoteAddr().String()).Debug("accept")
			go s.handleConn(conn)
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sess, err := mux.Server(conn, mux.DefaultConfig())
	if err != nil {
		err = errors.Wrap(err, "create mux server failed")
		log.WithError(err).Error("serve connection failed")
		return
	}
	defer sess.Close()

sessionLoop:
	for {
		select {
		case <-s.stopCh:
			log.Info("stopping session loop")
			break sessionLoop
		default:
			muxConn, err := sess.AcceptStream()
			if err != nil {
				if err != io.EOF {
					log.WithError(errors.Wrap(err, "session accept failed")).Debug("session closed")
				}
				break sessionLoop
			}
			go s.rpcServer.ServeCodec(utils.GetMsgPackServerCodec(muxConn))
		}
	}
}

// Stop stops the server main loop.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	close(s.stopCh)
}
