// Package control serves the optional status surface of a run: a JSON
// snapshot, a websocket event stream and Prometheus metrics.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/metrics"
	"github.com/NodePath81/ccbench/internal/util"
	"github.com/NodePath81/ccbench/internal/version"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type Server struct {
	cfg     config.ControlConfig
	metrics *metrics.Metrics
	status  *StatusStore
	logger  util.Logger
	server  *http.Server
	addr    net.Addr
}

func NewServer(cfg config.ControlConfig, metrics *metrics.Metrics, status *StatusStore, logger util.Logger) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metrics,
		status:  status,
		logger:  logger,
	}
}

func (c *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/metrics", c.handleMetrics)
	return mux
}

// Start binds the listener and serves until ctx is done. Binding errors are
// returned; serving errors are logged.
func (c *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.addr = ln.Addr()
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", c.addr.String())
	return nil
}

// Addr is the bound address once Start has returned.
func (c *Server) Addr() net.Addr {
	return c.addr
}

func (c *Server) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

type statusResponse struct {
	Version string       `json:"version"`
	Runs    uint64       `json:"runs"`
	Run     *RunSnapshot `json:"run"`
}

func (c *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Version: version.Version, Runs: c.status.Runs()}
	if snap, ok := c.status.Snapshot(); ok {
		resp.Run = &snap
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler(w, r)
}

// handleWS streams state and trial events. The first message is a snapshot
// of the current run, if any.
func (c *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &statusClient{send: make(chan []byte, 32)}
	if snap, ok := c.status.Snapshot(); ok {
		data, _ := json.Marshal(statusMessage{Type: "snapshot", RunID: snap.ID, State: snap.State, Run: &snap})
		client.send <- data
	}
	c.status.hub.Register(client)

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			closeConn()
			c.status.hub.Unregister(client)
		})
	}

	// Clients only send pongs and close frames; reading keeps the deadline
	// and control-frame handling alive.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Server) checkAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
