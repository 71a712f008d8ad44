// Package server implements the Airin chat relay: a line-protocol
// gateway, per-session protocol state machines and the broadcast
// machinery between them.
//
// Concurrency model: every session has one reader goroutine that turns
// raw lines into events, and a single dispatch goroutine owns all
// session state, the flood limiter and the history queue. Timers post
// events too, so a timer firing for a session that is already gone is
// a plain no-op.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asterleen/airin/pkg/logging"
	"github.com/asterleen/airin/pkg/protocol"
	"github.com/asterleen/airin/pkg/storage"
)

// Version is reported in the INIT banner and /status output.
const Version = "5.0.0"

type event interface{}

type connectEvent struct{ conn LineConn }

type lineEvent struct {
	sid  uint64
	text string
}

type disconnectEvent struct{ sid uint64 }

type initTimeoutEvent struct{ sid uint64 }

type pingTickEvent struct{ sid uint64 }

type flushEvent struct{}

type funcEvent struct{ fn func() }

// Server is the chat relay daemon.
type Server struct {
	cfg     Config
	store   storage.Store
	log     *logging.Logger
	metrics *Metrics

	// runtime holds the storage-backed tunables. Read and replaced
	// only on the dispatch loop.
	runtime RuntimeConfig

	listener   net.Listener
	httpSrv    *http.Server
	metricsSrv *http.Server

	events   chan event
	shutdown chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	sessions map[uint64]*Session
	nextID   uint64

	limiter *rateLimiter
	backlog []backlogRequest

	// adminRelayID is the session currently receiving the live log
	// relay, 0 when nobody does.
	adminRelayID uint64

	startTime time.Time

	// now and restartFn are swappable for tests.
	now       func() time.Time
	restartFn func()
}

// New builds a server around its collaborators. Call Start to begin
// serving.
func New(cfg Config, store storage.Store, log *logging.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		log:      log,
		metrics:  NewMetrics(),
		runtime:  DefaultRuntimeConfig(),
		events:   make(chan event, 256),
		shutdown: make(chan struct{}),
		loopDone: make(chan struct{}),
		sessions: make(map[uint64]*Session),
		nextID:   1,
		limiter:  newRateLimiter(),
		now:      time.Now,
	}
	s.restartFn = s.restartProcess
	return s
}

// Start loads the runtime settings, binds the listeners and launches
// the dispatch loop.
func (s *Server) Start() error {
	s.startTime = time.Now()
	s.reloadRuntimeConfig()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		cert, cerr := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if cerr != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", cerr)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("serv", "Airin listens on %s and waits for clients", ln.Addr())

	if s.cfg.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWebSocket)
		s.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.HTTPPort), Handler: mux}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var serr error
			if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
				serr = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
			} else {
				serr = s.httpSrv.ListenAndServe()
			}
			if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				s.log.Error("serv", "WebSocket listener error: %v", serr)
			}
		}()
		s.log.Info("serv", "WebSocket transport enabled on port %d", s.cfg.HTTPPort)
	}

	if s.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.handleHealth)
		s.metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.MetricsPort), Handler: mux}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("serv", "Metrics listener error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.run()

	if s.runtime.UseLogRequestQueue {
		s.wg.Add(1)
		go s.flushLoop(s.runtime.LogQueueFlush)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound TCP address, useful when Port was 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop tears down listeners, the dispatch loop and every session.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.log.Info("serv", "Graceful shutdown initiated")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
		if s.metricsSrv != nil {
			s.metricsSrv.Close()
		}

		<-s.loopDone

		// The loop is gone, session state is ours now.
		for id, sess := range s.sessions {
			sess.stopTimers()
			sess.conn.Close()
			delete(s.sessions, id)
		}

		s.wg.Wait()
		s.log.Info("serv", "Shutdown complete")
	})
	return nil
}

func (s *Server) run() {
	defer s.wg.Done()
	defer close(s.loopDone)
	for {
		select {
		case <-s.shutdown:
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev event) {
	switch ev := ev.(type) {
	case connectEvent:
		s.acceptSession(ev.conn)
	case lineEvent:
		if sess, ok := s.sessions[ev.sid]; ok {
			s.metrics.RecordLineReceived()
			s.dispatchLine(sess, ev.text)
		}
	case disconnectEvent:
		s.removeSession(ev.sid)
	case initTimeoutEvent:
		s.initTimedOut(ev.sid)
	case pingTickEvent:
		s.pingTick(ev.sid)
	case flushEvent:
		s.flushBacklog()
	case funcEvent:
		ev.fn()
	}
}

// post hands an event to the dispatch loop, giving up silently when
// the server is shutting down.
func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.shutdown:
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("serv", "Accept error: %v", err)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		s.post(connectEvent{conn: newTCPLineConn(conn)})
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("serv", "WebSocket upgrade failed: %v", err)
		return
	}
	addr := ws.RemoteAddr().String()
	if s.cfg.UseXFFHeader {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			addr = xff
		}
	}
	s.post(connectEvent{conn: newWSLineConn(ws, addr)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":"%s","uptime_seconds":%d}`,
		Version, int(time.Since(s.startTime).Seconds()))
}

// acceptSession registers a fresh connection, greets it and starts its
// reader goroutine. Runs on the dispatch loop.
func (s *Server) acceptSession(conn LineConn) {
	id := s.nextID
	s.nextID++

	sess := newSession(id, conn, s.cfg.SecureSalt, s.runtime.DefaultUserName, s.runtime.ColorResetMax, s.now())
	s.sessions[id] = sess
	s.metrics.RecordSessionCreated(len(s.sessions))
	s.log.Info("serv", "Client [%d:%s / %s] initialized, greeting and waiting for auth", id, sess.Hash, sess.remoteAddr)

	s.sendGreeting(sess)
	sess.send(protocol.Init(fmt.Sprintf("AirinServer/%s ~ All SAS Oelutz!", Version)))

	if s.cfg.InitTimeout > 0 {
		sess.initTimer = time.AfterFunc(s.cfg.InitTimeout, func() {
			s.post(initTimeoutEvent{sid: id})
		})
	}

	s.wg.Add(1)
	go s.readLoop(sess)
}

func (s *Server) sendGreeting(sess *Session) {
	sess.send(`REM #      /\_/\`)
	sess.send(`REM # ____/ o o \`)
	sess.send(`REM #/~____  =w= /`)
	sess.send(`REM #(______)__m_m)`)
}

func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()
	for {
		line, err := sess.conn.ReadLine()
		if err != nil {
			s.post(disconnectEvent{sid: sess.ID})
			return
		}
		s.post(lineEvent{sid: sess.ID, text: line})
	}
}

// removeSession tears a session down. Safe to call for ids that are
// already gone, so a late disconnect event after a forced close does
// nothing.
func (s *Server) removeSession(sid uint64) {
	sess, ok := s.sessions[sid]
	if !ok {
		return
	}
	delete(s.sessions, sid)
	sess.stopTimers()
	sess.conn.Close()

	if s.adminRelayID == sid {
		s.adminRelayID = 0
		s.log.ClearRelay()
		s.log.Info("adlog", "Live logging admin disconnected, relay disabled")
	}

	s.metrics.RecordSessionClosed(len(s.sessions))
	s.log.Info("serv", "Client [%d:%s / %s] leaves us", sess.ID, sess.Hash, sess.remoteAddr)
}

func (s *Server) initTimedOut(sid uint64) {
	sess, ok := s.sessions[sid]
	if !ok {
		return
	}
	if sess.authorized || sess.readonly {
		return
	}
	s.log.Warn("serv", "Client [%d:%s / %s] did not pass init in time, disconnecting", sess.ID, sess.Hash, sess.remoteAddr)
	s.removeSession(sid)
}

// armPing starts the liveness probe for a session that negotiated API
// level 3.
func (s *Server) armPing(sess *Session) {
	if sess.pingTicker != nil {
		return
	}
	interval, tolerance := s.runtime.PingPollInterval, s.runtime.PingMissTolerance
	if interval <= 0 || tolerance <= 0 {
		return
	}

	sess.pingMisses = 0
	sess.pingMissTolerance = tolerance
	sess.pingTicker = time.NewTicker(interval)
	sess.pingStop = make(chan struct{})

	sid := sess.ID
	ticker := sess.pingTicker
	stop := sess.pingStop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.post(pingTickEvent{sid: sid})
			}
		}
	}()
}

func (s *Server) pingTick(sid uint64) {
	sess, ok := s.sessions[sid]
	if !ok || sess.pingMisses < 0 {
		return
	}
	sess.pingMisses++
	sess.send("NUS")
	if sess.pingMisses >= sess.pingMissTolerance {
		s.metrics.RecordPingTimeout()
		s.log.Warn("serv", "Client %s (%s) dropped on ping timeout", sess.Name, sess.Hash)
		s.removeSession(sid)
	}
}

func (s *Server) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.post(flushEvent{})
		}
	}
}

// reloadRuntimeConfig pulls the tunables from storage. Runs on the
// dispatch loop (or before it starts).
func (s *Server) reloadRuntimeConfig() {
	values, err := s.store.Config()
	if err != nil {
		s.log.Warn("serv", "Could not load settings from storage, keeping defaults: %v", err)
		s.runtime = DefaultRuntimeConfig()
		return
	}
	s.runtime = RuntimeConfigFrom(values)
	s.log.Info("serv", "Storage settings loaded")
}

// restartProcess re-executes the daemon binary in place and exits.
func (s *Server) restartProcess() {
	s.log.Warn("serv", "Restart requested, re-executing process")
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.log.Error("serv", "Could not start replacement process: %v", err)
		return
	}
	os.Exit(0)
}
