package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/registry"
	"github.com/tunequeue/tunequeue/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CompletionHandler receives a Worker's asynchronous job-result frames.
type CompletionHandler interface {
	CompleteJob(jobID int64, result string) error
}

// conn wraps one accepted websocket connection. Writes are serialized
// by mu so the read loop and SendJob never interleave frames.
type conn struct {
	mu         sync.Mutex
	ws         *websocket.Conn
	workerName string
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Server is the Manager-side half of the channel: it accepts Worker
// connections at /worker/perform-test, performs the auth handshake
// against the Worker Registry, and dispatches PREPARED jobs to the
// Scheduler's Dispatcher interface.
type Server struct {
	registry   *registry.Registry
	completion CompletionHandler
	logger     zerolog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewServer constructs a channel Server.
func NewServer(reg *registry.Registry, completion CompletionHandler) *Server {
	return &Server{
		registry:   reg,
		completion: completion,
		logger:     log.WithComponent("channel-server"),
		conns:      make(map[string]*conn),
	}
}

// HandleUpgrade is the http.HandlerFunc mounted at /worker/perform-test.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade worker channel")
		return
	}

	var auth WorkerAuth
	if err := ws.ReadJSON(&auth); err != nil {
		s.logger.Warn().Err(err).Msg("worker channel: bad auth frame")
		ws.Close()
		return
	}

	worker, connErr := s.registry.Connect(auth.Name, auth.SessionToken)
	result := resultCodeFor(connErr)
	if err := ws.WriteJSON(CommandResult{Result: result}); err != nil {
		ws.Close()
		return
	}
	if connErr != nil {
		s.logger.Warn().Str("worker", auth.Name).Err(connErr).Msg("worker channel handshake rejected")
		ws.Close()
		return
	}

	c := &conn{ws: ws, workerName: worker.Name}
	s.mu.Lock()
	s.conns[worker.Name] = c
	s.mu.Unlock()
	s.logger.Info().Str("worker", worker.Name).Msg("worker channel connected")

	s.readLoop(c)
}

func resultCodeFor(err error) types.ResultCode {
	switch {
	case err == nil:
		return types.Success
	case errors.Is(err, registry.ErrWorkerNotFound):
		return types.WorkerNotFound
	case errors.Is(err, registry.ErrInvalidToken):
		return types.InvalidToken
	case errors.Is(err, registry.ErrAlreadyConnected):
		return types.WorkerAlreadyConnected
	case errors.Is(err, registry.ErrWrongState):
		return types.WorkerWrongState
	default:
		return types.UnknownError
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.drop(c)
	for {
		var reply RPCReply
		if err := c.ws.ReadJSON(&reply); err != nil {
			s.logger.Info().Str("worker", c.workerName).Err(err).Msg("worker channel closed")
			return
		}
		if reply.JobID == 0 {
			continue
		}
		if err := s.completion.CompleteJob(reply.JobID, reply.Payload); err != nil {
			s.logger.Warn().Int64("job_id", reply.JobID).Err(err).Msg("failed to record job completion")
		}
	}
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.workerName)
	s.mu.Unlock()
	s.registry.Disconnect(c.workerName)
	c.ws.Close()
}

// SendJob implements scheduler.Dispatcher: it delivers a prepared test
// payload to the named Worker's connection. The reply (and the
// resulting INFLIGHT -> COMPLETED transition) arrives later via the
// read loop, not synchronously from this call.
func (s *Server) SendJob(_ context.Context, workerName string, jobID int64, args map[string]any) error {
	s.mu.Lock()
	c, ok := s.conns[workerName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %q has no open channel", workerName)
	}

	kwargs := make(map[string]any, len(args)+1)
	for k, v := range args {
		kwargs[k] = v
	}
	kwargs["job_id"] = jobID

	return c.send(RPCRequest{Method: RunSingleTestMethod, Kwargs: kwargs})
}

// CloseWorker closes the named Worker's connection, if one is open.
// The registry calls this when a Worker transitions to
// MARKED_FOR_DELETE: the close errors the read loop, which drops the
// conns entry and detaches the registry's socket flag.
func (s *Server) CloseWorker(workerName string) {
	s.mu.Lock()
	c, ok := s.conns[workerName]
	s.mu.Unlock()
	if ok {
		c.ws.Close()
	}
}

// ConfigureWorkerTask pushes a Task's worker-side composition and
// configs to the named Worker so it can mirror the build the Manager
// already performed on its own side. Like SendJob, the Worker's
// acknowledgement arrives asynchronously via the read loop.
func (s *Server) ConfigureWorkerTask(_ context.Context, workerName string, snap types.TaskSnapshot) error {
	s.mu.Lock()
	c, ok := s.conns[workerName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %q has no open channel", workerName)
	}
	return c.send(RPCRequest{Method: ConfigureTaskMethod, Kwargs: map[string]any{
		"task_id":      snap.ID,
		"task_name":    snap.Name,
		"module_name":  snap.ModuleName,
		"selection":    snap.WorkerInit,
		"build_config": snap.WorkerBuildConfig,
		"config":       snap.WorkerConfig,
	}})
}
