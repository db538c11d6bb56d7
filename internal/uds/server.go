package uds

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one decoded request. Handlers run on the
// connection goroutine; a panic inside one becomes an INTERNAL_ERROR
// response instead of killing the daemon.
type HandlerFunc func(req *Request) *Response

// Server answers CLI requests on the daemon's socket. Each connection
// carries exactly one request: the CLI dials, sends a frame, reads the
// reply, and hangs up. The socket file is created 0600 so only the
// owning user can drive the daemon.
type Server struct {
	socketPath  string
	connTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	done     chan struct{}
	conns    sync.WaitGroup
}

func NewServer(socketPath string) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		done:        make(chan struct{}),
	}
}

// SetConnTimeout bounds how long a single request/reply exchange may
// take, including an idle client that dials and never sends.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers the handler for one protocol command.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start binds the socket and begins accepting. A stale socket file
// from a crashed daemon is replaced; the file lock in the daemon layer
// guarantees no live daemon owns it.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.conns.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for in-flight requests, and removes
// the socket file.
func (s *Server) Stop() error {
	close(s.done)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.conns.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.conns.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("uds: accept: %v", err)
				continue
			}
		}
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("uds: read request: %v", err)
		return
	}
	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		log.Printf("uds: write response: %v", err)
	}
}

// dispatch validates the request against the protocol before any
// handler runs: version first, then membership in the verifyd command
// set, then handler registration.
func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("uds: handler panic command=%q: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler for %q panicked", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("daemon speaks protocol %d, client sent %d", ProtocolVersion, req.ProtocolVersion),
		)
	}
	if req.Command == "" {
		return ErrorResponse(ErrCodeValidation, "empty command")
	}
	if !KnownCommand(req.Command) {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("%q is not a verifyd command", req.Command),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("command %q is not enabled on this daemon", req.Command),
		)
	}
	return handler(req)
}
