// Package server implements the staged triekv server: one acceptor, a
// reader per connection, and a pool of command workers joined by IO-event
// batons.
//
// A reader decodes one frame, hands the request to a command worker and
// blocks until the reply has been produced and written before reading the
// next frame. Requests of one connection are therefore processed in
// arrival order and responses delivered in request order; across
// connections there is no ordering guarantee.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/triekv/triekv/cluster"
	"github.com/triekv/triekv/common"
	"github.com/triekv/triekv/lib/db"
	"github.com/triekv/triekv/protocol"
)

var logger = common.GetLogger("server")

// --------------------------------------------------------------------------
// IO Event
// --------------------------------------------------------------------------

// ioEvent is the baton carrying a decoded request from a reader to a
// command worker and the reply back.
type ioEvent struct {
	session *Session
	request *protocol.Request
	reply   chan ioResult
}

type ioResult struct {
	buf  []byte
	drop bool
}

// --------------------------------------------------------------------------
// Server Type
// --------------------------------------------------------------------------

// Server ties together the listener, the session table, the store, the
// command worker pool and the optional cluster node.
type Server struct {
	config   common.ServerConfig
	store    *db.Store
	sessions *xsync.MapOf[string, *Session]
	cluster  *cluster.Node
	stats    *serverStats

	events   chan *ioEvent
	shutdown chan struct{}
	stopOnce sync.Once
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a server for the given configuration and store.
func New(config common.ServerConfig, store *db.Store) *Server {
	workers := config.CommandWorkers
	if workers < 1 {
		workers = 1
	}
	config.CommandWorkers = workers
	if config.SweepInterval <= 0 {
		config.SweepInterval = common.DefaultSweepInterval
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = common.DefaultStatsInterval
	}
	if config.MemReclaimTime <= 0 {
		config.MemReclaimTime = time.Minute
	}
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = common.DefaultMaxRequestSize
	}

	return &Server{
		config:   config,
		store:    store,
		sessions: xsync.NewMapOf[string, *Session](),
		stats:    newServerStats(),
		events:   make(chan *ioEvent, workers),
		shutdown: make(chan struct{}),
	}
}

// Listen opens the listening socket and, in cluster mode, the bus
// socket. It is split from Serve so callers can learn the bound address
// before the accept loop starts; Serve calls it when needed.
func (s *Server) Listen() error {
	family, addr := s.config.Family()
	if family == "unix" {
		// A previous unclean exit leaves the socket file behind.
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket %s: %w", addr, err)
		}
	}

	listener, err := net.Listen(family, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", family, addr, err)
	}
	s.listener = listener

	if s.config.Mode == common.ModeCluster {
		node, err := cluster.NewNode(s.config.Host, s.config.Port, s.config.MaxRequestSize)
		if err != nil {
			listener.Close()
			return err
		}
		s.cluster = node
	}
	return nil
}

// Serve starts the worker pool, the periodic tasks and the cluster bus,
// then runs the accept loop until Shutdown is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	if s.cluster != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cluster.Serve(s.shutdown)
		}()

		if s.config.SeedHost != "" {
			if err := s.cluster.Join(s.config.SeedHost, s.config.SeedPort); err != nil {
				logger.Warningf("Seed announcement failed: %v", err)
			}
		}
	}

	for i := 0; i < s.config.CommandWorkers; i++ {
		s.wg.Add(1)
		go s.commandWorker()
	}
	s.wg.Add(2)
	go s.sweeper()
	go s.housekeeper()

	logger.Infof("Listening on %s with %d command workers",
		s.listener.Addr(), s.config.CommandWorkers)

	return s.acceptLoop()
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops the accept loop, wakes every worker, tears down all
// client sessions and waits for the workers to exit.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.cluster != nil {
			s.cluster.Close()
		}
		s.sessions.Range(func(_ string, sess *Session) bool {
			sess.conn.Close()
			return true
		})
	})
	s.wg.Wait()
}

// --------------------------------------------------------------------------
// Accept Loop
// --------------------------------------------------------------------------

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				logger.Infof("Accept loop stopping")
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		sess := newSession(conn, s.store)
		s.sessions.Store(sess.ID, sess)
		s.stats.connections.Inc()
		logger.Debugf("Accepted connection %s from %s", sess.ID, conn.RemoteAddr())

		s.wg.Add(1)
		go s.readLoop(sess)
	}
}

// --------------------------------------------------------------------------
// Reader (IO stage)
// --------------------------------------------------------------------------

// readLoop drives one connection: read a frame, hand it to a command
// worker, write the reply, repeat. It does not read the next frame until
// the reply for the previous one has been written.
func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()
	defer s.teardown(sess)

	reply := make(chan ioResult, 1)
	for {
		h, body, err := protocol.ReadFrame(sess.conn, s.config.MaxRequestSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debugf("Connection %s closed by client", sess.ID)
			} else if !isClosedErr(err) {
				logger.Warningf("Dropping connection %s: %v", sess.ID, err)
			}
			return
		}
		s.stats.bytesRecv.Add(2 + len(body))

		if !h.IsRequest() {
			logger.Warningf("Dropping connection %s: response frame on request stream", sess.ID)
			return
		}
		req, err := protocol.UnpackRequest(h, body)
		if err != nil {
			logger.Warningf("Dropping connection %s: %v", sess.ID, err)
			return
		}

		sess.touch()
		s.stats.requests.Inc()

		select {
		case s.events <- &ioEvent{session: sess, request: req, reply: reply}:
		case <-s.shutdown:
			return
		}

		var res ioResult
		select {
		case res = <-reply:
		case <-s.shutdown:
			return
		}

		if res.drop {
			return
		}
		if len(res.buf) > 0 {
			if _, err := sess.conn.Write(res.buf); err != nil {
				logger.Warningf("Write to %s failed: %v", sess.ID, err)
				return
			}
			s.stats.bytesSent.Add(len(res.buf))
		}
	}
}

// teardown dismantles a client session.
func (s *Server) teardown(sess *Session) {
	sess.conn.Close()
	s.sessions.Delete(sess.ID)
}

// isClosedErr reports whether err is the result of the socket being
// closed underneath a blocked read (teardown or shutdown).
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// --------------------------------------------------------------------------
// Command Workers
// --------------------------------------------------------------------------

func (s *Server) commandWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case ev := <-s.events:
			resp, drop := s.dispatch(ev.session, ev.request)
			var buf []byte
			if resp != nil {
				buf = resp.Pack()
			}
			ev.reply <- ioResult{buf: buf, drop: drop}
		}
	}
}

// --------------------------------------------------------------------------
// Periodic Tasks
// --------------------------------------------------------------------------

// sweeper periodically evicts due entries from the expiration index.
func (s *Server) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if n := s.store.Sweep(); n > 0 {
				s.stats.expired.Add(n)
				logger.Debugf("Swept %d expired keys", n)
			}
		}
	}
}

// housekeeper emits the periodic stats line and runs the advisory memory
// reclaim pass.
func (s *Server) housekeeper() {
	defer s.wg.Done()
	statsTicker := time.NewTicker(s.config.StatsInterval)
	defer statsTicker.Stop()
	reclaimTicker := time.NewTicker(s.config.MemReclaimTime)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-statsTicker.C:
			s.logStats()
		case <-reclaimTicker.C:
			s.reclaimMemory()
		}
	}
}

// reclaimMemory returns heap to the OS when the advisory memory cap is
// exceeded.
func (s *Server) reclaimMemory() {
	if s.config.MaxMemory == 0 {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > s.config.MaxMemory {
		logger.Infof("Memory %d above cap %d, reclaiming", mem.Sys, s.config.MaxMemory)
		debug.FreeOSMemory()
	}
}
