package server

import (
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/fclairamb/go-log"

	"github.com/fclairamb/goftpkernel/auth"
	"github.com/fclairamb/goftpkernel/internal/filelock"
	"github.com/fclairamb/goftpkernel/internal/protocol"
	"github.com/fclairamb/goftpkernel/internal/registry"
	"github.com/fclairamb/goftpkernel/internal/transport"
	"github.com/fclairamb/goftpkernel/internal/vfs"
)

// ServerConfig bundles everything the accept loop and every spawned Session
// need, per spec.md §6.
type ServerConfig struct {
	Addr            string
	Port            int
	RootAbs         string
	MaxConnections  int // <=0 means unlimited, per spec.md §6.3's "-1 unlimited"
	IdleTimeout     time.Duration
	DataConnTimeout time.Duration
	PassivePortMin  int
	PassivePortMax  int
	Logger          log.Logger
	Store           *auth.Store
}

// Server owns the listening socket and spawns one Session per accepted
// control connection, per spec.md §5/§6.5.
type Server struct {
	cfg      ServerConfig
	fs       *vfs.FS
	locks    *filelock.Table
	registry *registry.Registry[*Session]

	mu        sync.Mutex
	listener  *transport.Listener
	conns     int
	wg        sync.WaitGroup
	closing   bool
}

// New builds a Server bound to cfg, with a fresh file-lock table and an
// os-backed filesystem rooted at cfg.RootAbs.
func New(cfg ServerConfig) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	if cfg.DataConnTimeout <= 0 {
		cfg.DataConnTimeout = 10 * time.Second
	}

	if cfg.PassivePortMin <= 0 || cfg.PassivePortMax <= 0 {
		cfg.PassivePortMin, cfg.PassivePortMax = 20000, 65535
	}

	return &Server{
		cfg:      cfg,
		fs:       vfs.NewOS(),
		locks:    filelock.NewTable(),
		registry: NewRegistry(),
	}
}

// Addr returns the address the server is bound to, once ListenAndServe has
// started, or "" otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// ListenAndServe binds the control listener and serves until Shutdown is
// called or Serve hits a non-temporary accept error.
func (s *Server) ListenAndServe() error {
	ln, err := transport.Listen(s.cfg.Addr, s.cfg.Port, 128)
	if err != nil {
		return NewNetworkError("cannot listen on control port", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.cfg.Logger.Info("listening", "addr", ln.Addr().String())

	return s.serve(ln)
}

// serve is the accept loop: the teacher's handleAcceptError exponential
// backoff (5ms -> 1s) is carried over verbatim in spirit, since spec.md
// §6.5 only specifies shutdown semantics and is silent on transient
// accept errors.
func (s *Server) serve(ln *transport.Listener) error {
	var tempDelay time.Duration

	for {
		conn, host, port, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if tempDelay > time.Second {
					tempDelay = time.Second
				}

				s.cfg.Logger.Warn("accept error, retrying", "err", err, "delay", tempDelay)
				time.Sleep(tempDelay)

				continue
			}

			s.cfg.Logger.Error("accept error, stopping", "err", err)

			return err
		}

		tempDelay = 0

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.serveConn(conn, host, port)
		}()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closing
}

// serveConn enforces the connection cap from spec.md §5, then drives one
// Session's command loop until the peer disconnects, QUIT closes it, or the
// idle timeout fires.
func (s *Server) serveConn(conn *transport.Conn, host string, port int) {
	if !s.admitConnection() {
		_ = conn.SendAll([]byte("421 Service not available, too many connections\r\n"))
		_ = conn.Close()

		return
	}

	defer s.releaseConnection()
	defer conn.Close()

	sess := NewSession(Config{
		FS:                s.fs,
		Locks:             s.locks,
		Store:             s.cfg.Store,
		Logger:            s.cfg.Logger,
		RootAbs:           s.cfg.RootAbs,
		IdleTimeout:       s.cfg.IdleTimeout,
		DataConnTimeout:   s.cfg.DataConnTimeout,
		PassivePortMin:    s.cfg.PassivePortMin,
		PassivePortMax:    s.cfg.PassivePortMax,
		DisableActiveMode: false,
	}, conn, host, port)

	defer sess.Close()

	if err := sess.Reply(codeReady, "Service ready"); err != nil {
		return
	}

	s.runSession(sess)
}

// runSession reads and dispatches commands until QUIT, idle timeout, or a
// connection error, per spec.md §4.7's command loop and §4.6's preflight
// table.
func (s *Server) runSession(sess *Session) {
	for {
		cmd, err := sess.ReadCommand(sess.cfg.IdleTimeout)
		if errors.Is(err, protocol.ErrBadSyntax) {
			if err := sess.Reply(codeSyntaxError, "Syntax error"); err != nil {
				return
			}

			continue
		}

		if err != nil {
			if sess.TransferStateValue() == TransferRunning {
				sess.WaitForTransfer()
			}

			return
		}

		entry, ok := s.registry.Lookup(cmd.Verb)
		if !ok {
			_ = sess.Reply(codeSyntaxError, "Unknown command")
			continue
		}

		if code, reason, allowed := stateGate(sess.State(), cmd.Verb); !allowed {
			if err := sess.Reply(code, reason); err != nil {
				sess.Logger().Warn("reply failed, dropping session", "verb", cmd.Verb, "err", err)
				return
			}

			continue
		}

		switch entry.Preflight {
		case registry.PreflightClearBoth:
			sess.ClearBoth()
		case registry.PreflightClearRenameFrom:
			sess.ClearRenameFrom()
		case registry.PreflightClearRestartOffset:
			sess.ClearRestartOffset()
		}

		if err := entry.Handler(sess, cmd.Argument); err != nil {
			sess.Logger().Warn("reply failed, dropping session", "verb", cmd.Verb, "err", err)
			return
		}

		if sess.ShouldQuit() {
			sess.WaitForTransfer()
			return
		}
	}
}

// connectedVerbs and awaitingPasswordVerbs are the per-state allow-lists
// from spec.md §4.7's "State machine (control side)" table.
var (
	connectedVerbs        = map[string]bool{"USER": true, "QUIT": true, "NOOP": true}
	awaitingPasswordVerbs = map[string]bool{"PASS": true, "QUIT": true, "NOOP": true, "USER": true}
)

// stateGate enforces spec.md §4.7's control-side state machine: Connected
// only allows USER/QUIT/NOOP (else 530), AwaitingPassword only allows
// PASS/QUIT/NOOP/USER (else 503), Authenticated allows every registered
// verb. It runs before preflight and dispatch so an unauthenticated client
// can never reach a handler that touches the data channel or filesystem.
func stateGate(state State, verb string) (code int, reason string, allowed bool) {
	switch state {
	case StateConnected:
		if connectedVerbs[verb] {
			return 0, "", true
		}

		return codeNotLoggedIn, "Not logged in", false
	case StateAwaitingPassword:
		if awaitingPasswordVerbs[verb] {
			return 0, "", true
		}

		return codeBadSequence, "Login with USER first", false
	default:
		return 0, "", true
	}
}

func (s *Server) admitConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxConnections > 0 && s.conns >= s.cfg.MaxConnections {
		return false
	}

	s.conns++

	return true
}

func (s *Server) releaseConnection() {
	s.mu.Lock()
	s.conns--
	s.mu.Unlock()
}

// Shutdown stops accepting new connections and waits for in-flight
// sessions to finish on their own (QUIT or idle timeout), per spec.md
// §6.5: "close the listener, stop accepting, let in-flight sessions
// complete (or be torn down by their own timeouts)".
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	err := ln.Close()

	s.wg.Wait()

	if err != nil {
		return NewNetworkError("could not close listener", err)
	}

	return nil
}
