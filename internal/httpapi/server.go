package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"

	"failuredetector/internal/runtime/supervisor"
	"failuredetector/pkg/logx"
)

const (
	DefaultAddr   = "127.0.0.1:5080"
	maxBodyBytes  = 1 << 20
	observerQueue = 32
)

type Config struct {
	Enabled     bool
	Addr        string
	CORSOrigins []string
}

// Server hosts plugin endpoints and the socket.io observer channel.
type Server struct {
	log logx.Logger

	mu        sync.RWMutex
	cfg       Config
	endpoints map[string]Endpoint

	sio atomic.Pointer[socketio.Server]

	obsMu     sync.Mutex
	observers map[string]*observer
	dropped   atomic.Uint64

	srvMu sync.Mutex
	srv   *http.Server
	addr  string
	sup   *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "httpapi")),
		endpoints: map[string]Endpoint{},
		observers: map[string]*observer{},
	}
	s.sio.Store(s.newSocket())
	return s
}

// newSocket builds a socket.io server; a closed one cannot be served again.
func (s *Server) newSocket() *socketio.Server {
	sio := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{CheckOrigin: s.originAllowed},
			&polling.Transport{CheckOrigin: s.originAllowed},
		},
	})
	sio.OnConnect("/", func(c socketio.Conn) error {
		s.log.Debug("observer connected", logx.String("id", c.ID()), logx.String("remote", addrString(c.RemoteAddr())))
		s.greet(s.addObserver(c))
		return nil
	})
	sio.OnError("/", func(c socketio.Conn, err error) {
		id := ""
		if c != nil {
			id = c.ID()
		}
		s.log.Warn("socket error", logx.String("id", id), logx.Err(err))
	})
	sio.OnDisconnect("/", func(c socketio.Conn, reason string) {
		s.removeObserver(c.ID())
		s.log.Debug("observer disconnected", logx.String("id", c.ID()), logx.String("reason", reason))
	})
	return sio
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Register mounts ep under /api/plugin/{name}.
func (s *Server) Register(name string, ep Endpoint) {
	s.mu.Lock()
	s.endpoints[name] = ep
	s.mu.Unlock()
}

func (s *Server) Unregister(name string) {
	s.mu.Lock()
	delete(s.endpoints, name)
	s.mu.Unlock()
}

type outbound struct {
	event   string
	payload any
}

// observer owns the write side of one connection. Emit blocks until a polling
// client comes back, so each observer drains its own bounded queue.
type observer struct {
	conn socketio.Conn
	out  chan outbound
	done chan struct{}
}

func (o *observer) run() {
	for {
		select {
		case <-o.done:
			return
		case m := <-o.out:
			o.conn.Emit(m.event, m.payload)
		}
	}
}

func (o *observer) push(m outbound) bool {
	select {
	case o.out <- m:
		return true
	default:
		return false
	}
}

func (s *Server) addObserver(c socketio.Conn) *observer {
	o := &observer{conn: c, out: make(chan outbound, observerQueue), done: make(chan struct{})}
	s.obsMu.Lock()
	if old := s.observers[c.ID()]; old != nil {
		close(old.done)
	}
	s.observers[c.ID()] = o
	s.obsMu.Unlock()
	go o.run()
	return o
}

func (s *Server) removeObserver(id string) {
	s.obsMu.Lock()
	o := s.observers[id]
	delete(s.observers, id)
	s.obsMu.Unlock()
	if o != nil {
		close(o.done)
	}
}

// closeObservers disconnects every observer. Close runs the disconnect
// handler, which removes the entry, so the lock is not held across it.
func (s *Server) closeObservers() {
	s.obsMu.Lock()
	conns := make([]socketio.Conn, 0, len(s.observers))
	for _, o := range s.observers {
		conns = append(conns, o.conn)
	}
	s.obsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
		s.removeObserver(c.ID())
	}
}

// Broadcast queues an event for every connected observer and returns at once.
// An observer whose queue is full misses the event.
func (s *Server) Broadcast(event string, payload any) {
	m := outbound{event: event, payload: payload}
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for id, o := range s.observers {
		if o.push(m) {
			continue
		}
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("observer not reading; event dropped",
				logx.String("id", id), logx.String("event", event), logx.Uint64("dropped", n))
		}
	}
}

func (s *Server) greet(o *observer) {
	s.mu.RLock()
	eps := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.RUnlock()
	for _, ep := range eps {
		if g, ok := ep.(Greeter); ok {
			if ev, payload, ok := g.Greeting(); ok {
				o.push(outbound{event: ev, payload: payload})
			}
		}
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sio.Load().ServeHTTP(w, r)
	}))
	mux.HandleFunc("GET /api/plugin/{name}", s.handleGet)
	mux.HandleFunc("GET /api/plugin/{name}/{sub}", s.handleGet)
	mux.HandleFunc("POST /api/plugin/{name}", s.handleCommand)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return s.cors(mux)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) endpoint(w http.ResponseWriter, r *http.Request) (Endpoint, bool) {
	name := r.PathValue("name")
	s.mu.RLock()
	ep := s.endpoints[name]
	s.mu.RUnlock()
	if ep == nil {
		writeError(w, NotFound("unknown plugin %q", name))
		return nil, false
	}
	return ep, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoint(w, r)
	if !ok {
		return
	}
	out, err := ep.Get(r.Context(), r.PathValue("sub"), r.URL.Query())
	if err != nil {
		s.logError(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type commandBody struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoint(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, BadRequest("read body: %v", err))
		return
	}
	var cb commandBody
	if err := json.Unmarshal(body, &cb); err != nil || cb.Command == "" {
		writeError(w, BadRequest("body must be a JSON object with a command"))
		return
	}
	required, known := ep.Commands()[cb.Command]
	if !known {
		writeError(w, BadRequest("unknown command %q", cb.Command))
		return
	}
	if err := checkParams(body, required); err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	out, err := ep.Command(r.Context(), cb.Command, body)
	log := s.log.With(logx.String("plugin", r.PathValue("name")), logx.String("command", cb.Command), logx.Duration("took", time.Since(start)))
	if err != nil {
		s.logError(r, err)
		writeError(w, err)
		return
	}
	log.Info("api command")
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) logError(r *http.Request, err error) {
	if statusOf(err) < 500 {
		s.log.Debug("api request rejected", logx.String("path", r.URL.Path), logx.Err(err))
		return
	}
	s.log.Error("api request failed", logx.String("path", r.URL.Path), logx.Err(xerrors.New(err)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

// Addr returns the bound address while serving.
func (s *Server) Addr() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.addr
}

// Start binds the listener and serves until Stop or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	if !cfg.Enabled {
		return nil
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.sup != nil {
		_ = ln.Close()
		return errors.New("httpapi already running")
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.addr = ln.Addr().String()
	srv, sio := s.srv, s.sio.Load()

	s.sup.Go("socketio", func(ctx context.Context) error {
		err := sio.Serve()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("api listening", logx.String("addr", s.addr))
	return nil
}

// Apply updates CORS origins in place. Address changes take effect after a restart.
func (s *Server) Apply(cfg Config) (restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restart = s.cfg.Enabled != cfg.Enabled || s.cfg.Addr != cfg.Addr
	s.cfg = cfg
	return restart
}

func (s *Server) Stop(ctx context.Context) error {
	s.srvMu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.srvMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := srv.Shutdown(ctx)
	_ = s.sio.Swap(s.newSocket()).Close()
	s.closeObservers()
	if werr := sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	s.log.Info("api stopped")
	return err
}
