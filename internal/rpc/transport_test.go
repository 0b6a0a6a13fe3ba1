package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi-sh/hapi/internal/common/logger"
)

// fakeAgent wires a transport to in-memory pipes so tests can script the
// child's stdout.
type fakeAgent struct {
	transport *Transport
	// stdin carries what the transport wrote (the agent's point of view).
	stdin *bufio.Scanner
	// stdout is written by the test to emulate agent output.
	stdout io.WriteCloser
	killed atomic.Bool
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	a := &fakeAgent{
		stdin:  bufio.NewScanner(stdinR),
		stdout: stdoutW,
	}
	a.transport = NewTransport(stdinW, stdoutR, func() { a.killed.Store(true) }, logger.Default())
	t.Cleanup(func() {
		a.transport.Close()
		_ = stdoutW.Close()
	})
	return a
}

func (a *fakeAgent) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := a.stdout.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to write agent line: %v", err)
	}
}

// nextRequest reads the next request the transport sent to the agent.
func (a *fakeAgent) nextRequest(t *testing.T) Request {
	t.Helper()
	if !a.stdin.Scan() {
		t.Fatal("no request on agent stdin")
	}
	var req Request
	require.NoError(t, json.Unmarshal(a.stdin.Bytes(), &req))
	return req
}

func TestCall_RoundTrip(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = a.transport.Call(context.Background(), "ping", map[string]string{"x": "y"}, 0)
	}()

	req := a.nextRequest(t)
	assert.Equal(t, "ping", req.Method)
	a.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"pong":true}}`, req.ID))

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"pong":true}`, string(result))
}

func TestCall_ErrorResponse(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.transport.Call(context.Background(), "boom", nil, 0)
		done <- err
	}()

	req := a.nextRequest(t)
	a.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":{"code":-32000,"message":"went wrong"}}`, req.ID))

	err := <-done
	require.Error(t, err)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestCall_Timeout(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.transport.Call(context.Background(), "slow", nil, 20*time.Millisecond)
		done <- err
	}()
	req := a.nextRequest(t)

	require.ErrorIs(t, <-done, ErrTimeout)

	// The pending entry must be gone: a late response is discarded without
	// panicking.
	a.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, req.ID))
}

func TestProtocolError_Fencing(t *testing.T) {
	a := newFakeAgent(t)

	notifications := make(chan string, 8)
	a.transport.SetNotificationHandler(func(method string, _ json.RawMessage) {
		notifications <- method
	})

	done := make(chan error, 1)
	go func() {
		_, err := a.transport.Call(context.Background(), "pending", nil, -1)
		done <- err
	}()
	a.nextRequest(t)

	// A non-object line poisons the connection.
	a.writeLine(t, `not json at all`)

	err := <-done
	require.ErrorIs(t, err, ErrProtocol)
	assert.True(t, a.killed.Load(), "protocol error must kill the child")

	// Later well-formed notifications are discarded.
	a.writeLine(t, `{"jsonrpc":"2.0","method":"late/notification"}`)
	select {
	case m := <-notifications:
		t.Fatalf("notification %q dispatched after protocol error", m)
	case <-time.After(50 * time.Millisecond):
	}

	// New calls fail immediately with the sticky error.
	_, err = a.transport.Call(context.Background(), "after", nil, 0)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestProtocolError_NonObjectJSON(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.transport.Call(context.Background(), "pending", nil, -1)
		done <- err
	}()
	a.nextRequest(t)

	// Valid JSON but not an object is still a protocol error.
	a.writeLine(t, `[1,2,3]`)
	require.ErrorIs(t, <-done, ErrProtocol)
}

func TestHandleExit_RejectsPending(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.transport.Call(context.Background(), "pending", nil, -1)
		done <- err
	}()
	a.nextRequest(t)

	a.transport.HandleExit(137, "killed")
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process exited (code=137, signal=killed)")
}

func TestIncomingRequest_Dispatch(t *testing.T) {
	a := newFakeAgent(t)
	a.transport.RegisterHandler("permission/request", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"decision": "allow"}, nil
	})

	a.writeLine(t, `{"jsonrpc":"2.0","id":7,"method":"permission/request","params":{"tool":"bash"}}`)

	var resp Response
	require.True(t, a.stdin.Scan())
	require.NoError(t, json.Unmarshal(a.stdin.Bytes(), &resp))
	assert.EqualValues(t, 7, resp.ID)
	assert.JSONEq(t, `{"decision":"allow"}`, string(resp.Result))
}

func TestIncomingRequest_MethodNotFound(t *testing.T) {
	a := newFakeAgent(t)

	a.writeLine(t, `{"jsonrpc":"2.0","id":8,"method":"no/such/method"}`)

	var resp Response
	require.True(t, a.stdin.Scan())
	require.NoError(t, json.Unmarshal(a.stdin.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestIncomingRequest_HandlerError(t *testing.T) {
	a := newFakeAgent(t)
	a.transport.RegisterHandler("explode", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, errors.New("handler blew up")
	})

	a.writeLine(t, `{"jsonrpc":"2.0","id":9,"method":"explode"}`)

	var resp Response
	require.True(t, a.stdin.Scan())
	require.NoError(t, json.Unmarshal(a.stdin.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "handler blew up")
}

func TestNotification_Dispatch(t *testing.T) {
	a := newFakeAgent(t)

	got := make(chan string, 1)
	a.transport.SetNotificationHandler(func(method string, _ json.RawMessage) {
		got <- method
	})

	a.writeLine(t, `{"jsonrpc":"2.0","method":"session/update","params":{}}`)
	select {
	case m := <-got:
		assert.Equal(t, "session/update", m)
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestEmptyLines_Ignored(t *testing.T) {
	a := newFakeAgent(t)

	got := make(chan string, 1)
	a.transport.SetNotificationHandler(func(method string, _ json.RawMessage) {
		got <- method
	})

	a.writeLine(t, "")
	a.writeLine(t, "   ")
	a.writeLine(t, `{"jsonrpc":"2.0","method":"still/alive"}`)
	select {
	case m := <-got:
		assert.Equal(t, "still/alive", m)
	case <-time.After(time.Second):
		t.Fatal("blank lines must not poison the connection")
	}
}

func TestStdoutReadFailure_PoisonsConnection(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	var killed atomic.Bool
	tr := NewTransport(stdinW, stdoutR, func() { killed.Store(true) }, logger.Default())
	t.Cleanup(tr.Close)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "ping", nil, -1)
		done <- err
	}()

	agent := bufio.NewScanner(stdinR)
	require.True(t, agent.Scan(), "expected the request on agent stdin")

	// Tear the stream mid-call; an over-long line stops the scanner the
	// same way. The pending call must be rejected, not left to a timer.
	stdoutW.CloseWithError(errors.New("stream torn"))

	err := <-done
	require.ErrorIs(t, err, ErrProtocol)
	assert.True(t, killed.Load(), "a dead stdout stream kills the child")
}
