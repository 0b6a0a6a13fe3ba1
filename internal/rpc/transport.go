package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a Call when no explicit timeout is given.
// A non-positive timeout disables the deadline entirely.
const DefaultCallTimeout = 120 * time.Second

// ErrProtocol is wrapped by every rejection caused by a malformed stdout
// line. Once set, the connection is dead.
var ErrProtocol = errors.New("rpc: protocol error")

// ErrTimeout rejects a pending call whose deadline fired.
var ErrTimeout = errors.New("rpc: request timed out")

// Handler serves an incoming request from the agent.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler receives agent notifications in stdout order.
type NotificationHandler func(method string, params json.RawMessage)

type pendingCall struct {
	ch    chan *Response
	timer *time.Timer
	// err is set before ch is closed on rejection; never read before then.
	err error
}

// Transport speaks newline-delimited JSON-RPC with an agent over stdio. It
// owns the pending-request table; the process wrapper feeds it stdout lines
// and the exit notification.
type Transport struct {
	stdin   io.WriteCloser
	writeMu sync.Mutex

	requestID atomic.Int64

	mu          sync.Mutex
	pending     map[int64]*pendingCall
	protocolErr error
	closed      bool

	handlers       map[string]Handler
	handlersMu     sync.RWMutex
	onNotification NotificationHandler

	// kill terminates the child; invoked once on protocol error.
	kill func()

	logger *logger.Logger
	done   chan struct{}
	once   sync.Once
}

// NewTransport creates a transport over the given stdio streams and starts
// the stdout read loop. kill may be nil when there is no child to terminate.
func NewTransport(stdin io.WriteCloser, stdout io.Reader, kill func(), log *logger.Logger) *Transport {
	t := &Transport{
		stdin:    stdin,
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string]Handler),
		kill:     kill,
		logger:   log.WithFields(zap.String("component", "rpc-transport")),
		done:     make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

// RegisterHandler registers a handler for incoming agent requests.
func (t *Transport) RegisterHandler(method string, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[method] = h
}

// SetNotificationHandler sets the single handler for agent notifications.
func (t *Transport) SetNotificationHandler(h NotificationHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onNotification = h
}

// Call sends a request and waits for its response. A zero timeout uses
// DefaultCallTimeout; a negative timeout waits forever.
func (t *Transport) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	t.mu.Lock()
	if t.protocolErr != nil {
		err := t.protocolErr
		t.mu.Unlock()
		return nil, err
	}
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("rpc: transport closed")
	}
	id := t.requestID.Add(1)
	call := &pendingCall{ch: make(chan *Response, 1)}
	t.pending[id] = call
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			t.rejectCall(id)
		})
	}
	t.mu.Unlock()

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			t.removePending(id)
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	if err := t.send(&Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}); err != nil {
		t.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-call.ch:
		if !ok {
			// Channel closed: rejected by timeout, exit or protocol error.
			if call.err != nil {
				return nil, call.err
			}
			return nil, ErrTimeout
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	case <-t.done:
		t.mu.Lock()
		err := t.protocolErr
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, errors.New("rpc: transport closed")
	}
}

// Notify sends a notification (no response expected).
func (t *Transport) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return t.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// HandleExit rejects all pending calls with the child's exit status and
// closes the transport. signal is empty when the child exited normally.
func (t *Transport) HandleExit(code int, signal string) {
	sig := signal
	if sig == "" {
		sig = "none"
	}
	t.rejectAll(fmt.Errorf("process exited (code=%d, signal=%s)", code, sig))
	t.Close()
}

// Close shuts the transport down without touching the child.
func (t *Transport) Close() {
	t.once.Do(func() {
		close(t.done)
	})
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	_ = t.stdin.Close()
}

func (t *Transport) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || !isJSONObject(line) {
			// One bad line poisons the connection; everything after it is
			// discarded. Keep draining so the child's writes don't block
			// while it is being killed.
			t.failProtocol(fmt.Errorf("%w: unparseable line: %.200s", ErrProtocol, string(line)))
			for scanner.Scan() {
			}
			return
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		switch {
		case hasID && !hasMethod:
			t.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			go t.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			t.handleNotification(msg.Method, msg.Params)
		default:
			t.logger.Debug("ignoring message with neither id nor method")
		}
	}

	// A scanner error (an over-long line included) is as fatal as a
	// malformed one: nothing after it can be framed.
	if err := scanner.Err(); err != nil {
		t.failProtocol(fmt.Errorf("%w: stdout read failed: %v", ErrProtocol, err))
	}
}

func (t *Transport) handleResponse(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		t.logger.Warn("response with non-integer id", zap.Any("id", resp.ID))
		return
	}
	t.mu.Lock()
	call, found := t.pending[id]
	if found {
		delete(t.pending, id)
		if call.timer != nil {
			call.timer.Stop()
		}
	}
	t.mu.Unlock()
	if !found {
		t.logger.Debug("response for unknown request", zap.Int64("id", id))
		return
	}
	call.ch <- resp
}

func (t *Transport) handleRequest(id interface{}, method string, params json.RawMessage) {
	t.handlersMu.RLock()
	handler, ok := t.handlers[method]
	t.handlersMu.RUnlock()
	if !ok {
		_ = t.sendResponse(id, nil, &Error{Code: MethodNotFound, Message: fmt.Sprintf("method not found: %s", method)})
		return
	}
	result, err := handler(context.Background(), params)
	if err != nil {
		_ = t.sendResponse(id, nil, &Error{Code: InternalError, Message: err.Error()})
		return
	}
	_ = t.sendResponse(id, result, nil)
}

func (t *Transport) handleNotification(method string, params json.RawMessage) {
	t.handlersMu.RLock()
	h := t.onNotification
	t.handlersMu.RUnlock()
	if h != nil {
		h(method, params)
	}
}

func (t *Transport) sendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return t.send(&Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: InternalError, Message: err.Error()}})
		}
	}
	return t.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: rpcErr})
}

// failProtocol records the sticky protocol error, rejects every pending
// call, closes stdin and kills the child.
func (t *Transport) failProtocol(err error) {
	t.mu.Lock()
	if t.protocolErr != nil {
		t.mu.Unlock()
		return
	}
	t.protocolErr = err
	t.mu.Unlock()

	t.logger.Error("protocol error, poisoning connection", zap.Error(err))
	t.rejectAll(err)
	_ = t.stdin.Close()
	if t.kill != nil {
		t.kill()
	}
	t.once.Do(func() {
		close(t.done)
	})
}

func (t *Transport) rejectAll(err error) {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[int64]*pendingCall)
	if t.protocolErr == nil && errors.Is(err, ErrProtocol) {
		t.protocolErr = err
	}
	t.mu.Unlock()
	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.err = err
		close(call.ch)
	}
}

func (t *Transport) rejectCall(id int64) {
	t.mu.Lock()
	call, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		call.err = ErrTimeout
		close(call.ch)
	}
}

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	call, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok && call.timer != nil {
		call.timer.Stop()
	}
}

func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func isJSONObject(line []byte) bool {
	trimmed := trimSpace(line)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r' || b[start] == '\n') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}
