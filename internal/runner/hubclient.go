package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/gateway"
)

const (
	hubWriteWait      = 10 * time.Second
	hubCallTimeout    = 30 * time.Second
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// HubHandler serves one hub-initiated RPC on this runner.
type HubHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// HubClient is the runner's side of the hub socket. It re-dials on
// disconnect and re-advertises its RPC methods after every reconnect.
type HubClient struct {
	apiURL    string
	token     string
	machineID string
	logger    *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[int64]chan *gateway.Frame
	handlers map[string]HubHandler
	nextID   atomic.Int64

	connected atomic.Bool
}

// NewHubClient prepares a hub connection. Run starts it.
func NewHubClient(apiURL, token, machineID string, log *logger.Logger) *HubClient {
	return &HubClient{
		apiURL:    apiURL,
		token:     token,
		machineID: machineID,
		logger:    log.WithFields(zap.String("component", "hub-client")),
		pending:   make(map[int64]chan *gateway.Frame),
		handlers:  make(map[string]HubHandler),
	}
}

// RegisterMethod advertises a hub-callable method. Safe before and after
// connect; registrations are replayed on every reconnect.
func (c *HubClient) RegisterMethod(method string, handler HubHandler) {
	c.mu.Lock()
	c.handlers[method] = handler
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeFrame(&gateway.Frame{Type: gateway.FrameRPCRegister, Method: method})
	}
}

// UnregisterMethod withdraws a method.
func (c *HubClient) UnregisterMethod(method string) {
	c.mu.Lock()
	delete(c.handlers, method)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeFrame(&gateway.Frame{Type: gateway.FrameRPCUnregister, Method: method})
	}
}

// Call invokes a hub method and waits for the response.
func (c *HubClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan *gateway.Frame, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected to hub")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(&gateway.Frame{ID: id, Type: gateway.FrameRPCRequest, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, hubCallTimeout)
	defer cancel()
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

// Notify sends a one-way event to the hub.
func (c *HubClient) Notify(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.writeFrame(&gateway.Frame{Type: gateway.FrameEvent, Method: method, Params: raw})
}

// IsConnected reports whether the hub socket is up.
func (c *HubClient) IsConnected() bool {
	return c.connected.Load()
}

// Run dials the hub and serves the socket until ctx ends, reconnecting
// with capped backoff.
func (c *HubClient) Run(ctx context.Context) {
	wait := reconnectBaseWait
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("hub connection lost", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > reconnectMaxWait {
			wait = reconnectMaxWait
		}
	}
}

func (c *HubClient) runOnce(ctx context.Context) error {
	socketURL, err := c.socketURL()
	if err != nil {
		return err
	}

	header := http.Header{"Authorization": []string{"Bearer " + c.token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	methods := make([]string, 0, len(c.handlers))
	for method := range c.handlers {
		methods = append(methods, method)
	}
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("connected to hub")

	for _, method := range methods {
		c.writeFrame(&gateway.Frame{Type: gateway.FrameRPCRegister, Method: method})
	}

	readErr := c.readLoop(ctx, conn)

	c.connected.Store(false)
	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan *gateway.Frame)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- &gateway.Frame{Type: gateway.FrameRPCResponse, Error: "hub disconnected"}
	}
	conn.Close()
	return readErr
}

func (c *HubClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame gateway.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Error("failed to parse hub frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case gateway.FrameRPCResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				ch <- &frame
			}

		case gateway.FrameRPCRequest:
			c.mu.Lock()
			handler, ok := c.handlers[frame.Method]
			c.mu.Unlock()

			go func(frame gateway.Frame) {
				resp := &gateway.Frame{ID: frame.ID, Type: gateway.FrameRPCResponse}
				if !ok {
					resp.Error = fmt.Sprintf("unknown runner method %s", frame.Method)
				} else if result, err := handler(ctx, frame.Params); err != nil {
					resp.Error = err.Error()
				} else {
					resp.Result = result
				}
				if err := c.writeFrame(resp); err != nil {
					c.logger.Warn("failed to answer hub rpc", zap.Error(err))
				}
			}(frame)

		default:
			c.logger.Debug("unhandled hub frame", zap.String("type", frame.Type))
		}
	}
}

func (c *HubClient) writeFrame(frame *gateway.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected to hub")
	}
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *HubClient) socketURL() (string, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/runner"
	q := u.Query()
	q.Set("machineId", c.machineID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
