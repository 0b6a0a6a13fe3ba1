package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// conn is the slice of *websocket.Conn the socket uses; tests swap it for
// an in-memory pipe.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Socket is one runner's connection. It carries hub→runner RPCs through a
// pending-call table and forwards runner→hub frames to the gateway.
type Socket struct {
	MachineID string
	Namespace string

	conn    conn
	send    chan []byte
	gateway *Gateway
	logger  *logger.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Frame
	// methods this socket registered into the sync registry
	methods map[string]bool
	closed  bool
}

func newSocket(machineID, namespace string, c conn, g *Gateway, log *logger.Logger) *Socket {
	return &Socket{
		MachineID: machineID,
		Namespace: namespace,
		conn:      c,
		send:      make(chan []byte, 256),
		gateway:   g,
		logger:    log.WithMachineID(machineID),
		pending:   make(map[int64]chan *Frame),
		methods:   make(map[string]bool),
	}
}

// Call issues an RPC to the runner and waits for its response.
func (s *Socket) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *Frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("runner socket closed")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.sendFrame(&Frame{ID: id, Type: FrameRPCRequest, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case frame := <-ch:
		if frame.Error != "" {
			return nil, fmt.Errorf("%s", frame.Error)
		}
		return frame.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Socket) sendFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("runner socket send buffer full")
	}
}

// readPump pumps frames from the runner into the gateway.
func (s *Socket) readPump(ctx context.Context) {
	defer s.gateway.detach(ctx, s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("runner socket read error", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Error("failed to parse runner frame", zap.Error(err))
			continue
		}
		s.handleFrame(ctx, &frame)
	}
}

func (s *Socket) handleFrame(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case FrameRPCResponse:
		s.mu.Lock()
		ch, ok := s.pending[frame.ID]
		s.mu.Unlock()
		if ok {
			ch <- frame
		}

	case FrameRPCRegister:
		s.gateway.registerMethod(s, frame.Method)

	case FrameRPCUnregister:
		s.gateway.unregisterMethod(s, frame.Method)

	case FrameRPCRequest:
		// Runner calling a hub method; answer on the same socket.
		go func() {
			result, err := s.gateway.handleRunnerRequest(ctx, s, frame.Method, frame.Params)
			resp := &Frame{ID: frame.ID, Type: FrameRPCResponse}
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Result = result
			}
			if err := s.sendFrame(resp); err != nil {
				s.logger.Warn("failed to answer runner rpc", zap.Error(err))
			}
		}()

	case FrameEvent:
		s.gateway.handleRunnerEvent(ctx, s, frame.Method, frame.Params)

	default:
		s.logger.Warn("unknown frame type from runner", zap.String("type", frame.Type))
	}
}

// writePump pumps outbound frames to the runner, batching queued messages
// and keeping the connection alive with pings.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close rejects all pending calls and stops the write pump. Called from
// detach with the gateway's bookkeeping already done.
func (s *Socket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[int64]chan *Frame)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- &Frame{Type: FrameRPCResponse, Error: "runner disconnected"}
	}
	close(s.send)
}
