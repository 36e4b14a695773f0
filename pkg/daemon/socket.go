package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
)

// CommandRequest is the single json payload a command-socket client
// sends per connection.
type CommandRequest struct {
	Args []string `json:"args"`
}

// CommandRunner executes one back-end CLI invocation synchronously
// against the daemon's own state and returns a reply line.
type CommandRunner interface {
	RunCommand(args []string) (reply string, err error)
}

// CommandSocket listens on localhost:port and services one connection
// at a time, each carrying exactly one CommandRequest.
type CommandSocket struct {
	runner   CommandRunner
	listener net.Listener
	logger   zerolog.Logger
}

// NewCommandSocket binds to localhost:port.
func NewCommandSocket(port int, runner CommandRunner) (*CommandSocket, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding command socket: %w", err)
	}
	return &CommandSocket{
		runner:   runner,
		listener: ln,
		logger:   log.WithComponent("command-socket"),
	}, nil
}

// Serve accepts connections until the listener is closed. All command
// handlers are single-threaded from the socket's point of view: each
// connection is handled to completion before Accept is called again.
func (s *CommandSocket) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.logger.Info().Err(err).Msg("command socket listener closed")
			return
		}
		s.handle(conn)
	}
}

func (s *CommandSocket) handle(conn net.Conn) {
	defer conn.Close()

	var req CommandRequest
	// Requests are capped at 1 KiB; anything larger is malformed.
	if err := json.NewDecoder(io.LimitReader(bufio.NewReader(conn), 1024)).Decode(&req); err != nil {
		fmt.Fprintf(conn, "ERROR: malformed request: %v\n", err)
		return
	}

	reply, err := s.runner.RunCommand(req.Args)
	if err != nil {
		fmt.Fprintf(conn, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(conn, "SUCCESS: %s\n", reply)
}

// Close stops accepting new connections.
func (s *CommandSocket) Close() error {
	return s.listener.Close()
}

// Addr returns the socket's bound address, useful when port 0 was
// requested for tests.
func (s *CommandSocket) Addr() net.Addr {
	return s.listener.Addr()
}
