package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gamers-united/magma/pkg/handshake"
	"github.com/gamers-united/magma/pkg/routes"
)

const dialTimeout = 10 * time.Second

// Options configures a proxy Server.
type Options struct {
	// Addr is the listen address in host:port form.
	Addr string

	// Routes resolves protocol tags to backend addresses.
	Routes routes.Resolver

	// LookupTimeout bounds one routing lookup.
	LookupTimeout time.Duration

	// DNSServers resolve backend hostnames; system resolver when empty.
	DNSServers []string

	// DenyCIDRs are client ranges refused at accept time.
	DenyCIDRs []string

	// Logger for connection events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Server accepts client connections and runs each through the
// classify -> resolve -> splice pipeline on its own goroutine.
type Server struct {
	addr          string
	routes        routes.Resolver
	lookupTimeout time.Duration

	classifier *handshake.Classifier
	resolver   *BackendResolver
	acl        *ACL
	sessions   *Registry
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a server from opts.
func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	acl, err := NewACL(opts.DenyCIDRs)
	if err != nil {
		return nil, err
	}

	lookupTimeout := opts.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = 5 * time.Second
	}

	return &Server{
		addr:          opts.Addr,
		routes:        opts.Routes,
		lookupTimeout: lookupTimeout,
		classifier:    handshake.NewClassifier(logger),
		resolver:      NewBackendResolver(opts.DNSServers, logger),
		acl:           acl,
		sessions:      NewRegistry(),
		logger:        logger,
	}, nil
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("proxy listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every live session, then waits for the
// accept loop and in-flight handlers to drain.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.sessions.CloseAll()
	s.wg.Wait()
}

// Sessions exposes the live-session registry and per-tag totals.
func (s *Server) Sessions() *Registry {
	return s.sessions
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.acl.Blocked(conn.RemoteAddr()) {
			s.logger.Info("client denied by acl", "client", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection owns one client connection from accept to teardown.
// Errors never escape: every failure mode is logged and drops only this
// connection.
func (s *Server) handleConnection(conn net.Conn) {
	sess := s.sessions.Track(conn)
	defer s.sessions.Release(sess)
	defer conn.Close()

	client := conn.RemoteAddr().String()

	res, err := s.classifier.Classify(conn)
	if err != nil {
		s.logger.Warn("handshake classification failed", "client", client, "error", err)
		return
	}
	sess.Classified(res.Tag, res.SuppressBackendHandshake)

	ctx, cancel := context.WithTimeout(context.Background(), s.lookupTimeout)
	backendAddr, err := s.routes.Resolve(ctx, res.Tag)
	cancel()
	if err != nil {
		s.logger.Error("route lookup failed", "client", client, "tag", res.Tag, "error", err)
		return
	}
	sess.Routed(backendAddr)

	backend, err := net.DialTimeout("tcp", s.resolver.ResolveAddr(backendAddr), dialTimeout)
	if err != nil {
		s.logger.Error("backend unreachable", "client", client, "tag", res.Tag, "backend", backendAddr, "error", err)
		return
	}
	defer backend.Close()

	s.logger.Info("proxying connection", "client", client, "tag", res.Tag, "backend", backendAddr)

	if err := splice(sess, backend, res); err != nil {
		s.logger.Debug("session ended with error", "client", client, "tag", res.Tag, "error", err)
	}
}
