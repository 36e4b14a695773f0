package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// HandlerFunc executes one allowlisted RPC method, returning the
// opaque payload to send back to the Manager.
type HandlerFunc func(ctx context.Context, kwargs map[string]any) (payload string, err error)

// Client is the Worker-side half of the channel.
type Client struct {
	url               string
	name              string
	sessionToken      uint64
	connectionRetries int
	dialer            websocket.Dialer
	dispatch          map[string]HandlerFunc
	logger            zerolog.Logger

	shuttingDown atomic.Bool

	// mu guards ws, the live connection, so Abort can close it out from
	// under a blocked ReadJSON in rpcLoop.
	mu sync.Mutex
	ws *websocket.Conn
}

// NewClient constructs a Client. Register dispatch handlers before
// calling Run.
func NewClient(url, name string, sessionToken uint64, connectionRetries int) *Client {
	if connectionRetries <= 0 {
		connectionRetries = 5
	}
	return &Client{
		url:               url,
		name:              name,
		sessionToken:      sessionToken,
		connectionRetries: connectionRetries,
		dispatch:          make(map[string]HandlerFunc),
		logger:            log.WithComponent("channel-client"),
	}
}

// Register adds a method to the dispatch-table allowlist. Only
// registered methods can be invoked by the Manager.
func (c *Client) Register(method string, h HandlerFunc) {
	c.dispatch[method] = h
}

// Abort closes the current connection out from under the loop and
// prevents reconnection. The blocked receive in rpcLoop errors out,
// the loop observes the shutdown flag and exits without reconnecting.
func (c *Client) Abort() {
	c.shuttingDown.Store(true)
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.mu.Unlock()
}

// adoptConn publishes the freshly dialed connection for Abort to
// reach. It reports false when Abort already ran, in which case the
// caller must close the connection and bail instead of servicing it.
func (c *Client) adoptConn(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown.Load() {
		return false
	}
	c.ws = ws
	return true
}

func (c *Client) releaseConn() {
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
}

// Run dials, authenticates, and services RPC calls until the
// reconnect budget is exhausted or Abort is called. It blocks until
// then, so callers run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	budget := c.connectionRetries
	for budget > 0 && !c.shuttingDown.Load() {
		if ctx.Err() != nil {
			return
		}

		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn().Err(err).Msg("channel dial failed, backing off")
			budget--
			c.sleepBackoff(ctx)
			continue
		}
		if !c.adoptConn(ws) {
			ws.Close()
			return
		}

		if !c.authenticate(ws) {
			c.releaseConn()
			ws.Close()
			budget--
			c.sleepBackoff(ctx)
			continue
		}

		budget = c.rpcLoop(ctx, ws)
		c.releaseConn()
		ws.Close()
		if c.shuttingDown.Load() {
			return
		}
		c.sleepBackoff(ctx)
	}
}

func (c *Client) authenticate(ws *websocket.Conn) bool {
	if err := ws.WriteJSON(WorkerAuth{Name: c.name, SessionToken: c.sessionToken}); err != nil {
		c.logger.Warn().Err(err).Msg("channel auth write failed")
		return false
	}
	var ack CommandResult
	if err := ws.ReadJSON(&ack); err != nil {
		c.logger.Warn().Err(err).Msg("channel auth read failed")
		return false
	}
	if ack.Result != types.Success {
		c.logger.Warn().Str("result", string(ack.Result)).Msg("channel auth rejected")
		return false
	}
	return true
}

// rpcLoop services method calls until the socket errors. Every
// successful round-trip resets the reconnect budget; it returns
// the budget to carry forward to the caller's retry loop.
func (c *Client) rpcLoop(ctx context.Context, ws *websocket.Conn) int {
	budget := c.connectionRetries
	for {
		var req RPCRequest
		if err := ws.ReadJSON(&req); err != nil {
			c.logger.Info().Err(err).Msg("channel rpc read failed")
			return budget
		}

		reply := c.handle(ctx, req)
		if err := ws.WriteJSON(reply); err != nil {
			c.logger.Info().Err(err).Msg("channel rpc write failed")
			return budget
		}
		budget = c.connectionRetries
	}
}

func (c *Client) handle(ctx context.Context, req RPCRequest) RPCReply {
	jobID := jobIDFromKwargs(req.Kwargs)
	handler, ok := c.dispatch[req.Method]
	if !ok {
		return RPCReply{Result: types.UnknownError, JobID: jobID, Payload: "method not in dispatch table"}
	}
	payload, err := handler(ctx, req.Kwargs)
	if err != nil {
		return RPCReply{Result: types.UnknownError, JobID: jobID, Payload: err.Error()}
	}
	return RPCReply{Result: types.Success, JobID: jobID, Payload: payload}
}

func (c *Client) sleepBackoff(ctx context.Context) {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
}
