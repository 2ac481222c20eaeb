// Package server wires the dispatcher, session registry, and per-connection
// session configuration into the five HTTP routes a distasks deployment
// exposes, each built by a handler factory closing over its dependencies.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"distasks/internal/dispatch"
	"distasks/internal/httpx"
	"distasks/internal/session"
	"distasks/internal/telemetry"
)

// heartbeatInterval is the ping cadence mandated for every worker
// connection; a missed pong by 2*heartbeatInterval surfaces as a read
// timeout, which the session treats as a disconnect.
const heartbeatInterval = 5 * time.Second

// Deps bundles the collaborators New needs to build a router.
type Deps struct {
	DB          *sql.DB
	Dispatcher  *dispatch.Dispatcher
	Registry    *session.Registry
	SessionCfg  func() session.Config // fresh Config per connection (Verify/OnComplete may be stateful)
	Version     string
	AssetZipPath string
	APIEnabled  bool
	Logger      zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var assetLimiter = rate.NewLimiter(rate.Every(time.Second), 5)

// New builds the router exposing /, /ws, /version, /assets.zip, and
// /api/status.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTP)

	r.Get("/", indexHandler())
	r.Get("/ws", wsHandler(deps))
	r.Get("/version", versionHandler(deps.Version))
	r.Get("/assets.zip", assetsZipHandler(deps.AssetZipPath))
	r.Get("/api/status", statusHandler(deps))

	return r
}

func indexHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
	}
}

func wsHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		wsConn := newGorillaConn(conn)
		wsConn.startHeartbeat()
		defer wsConn.stopHeartbeat()

		cfg := deps.SessionCfg()
		sess := session.New(wsConn, cfg)
		sess.Run()
	}
}

func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(version))
	}
}

func assetsZipHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !assetLimiter.Allow() {
			httpx.Write(w, r, httpx.TooManyRequests("asset bundle requests are rate-limited"))
			return
		}
		f, err := os.Open(path)
		if err != nil {
			httpx.Write(w, r, httpx.NotFound("asset bundle not available"))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			httpx.Write(w, r, httpx.Internal(err))
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		http.ServeContent(w, r, "assets.zip", info.ModTime(), f)
	}
}

type statusClient struct {
	Name      string            `json:"name"`
	Connected bool              `json:"connected"`
	Completed int64             `json:"completed"`
	Current   *session.TaskView `json:"current"`
}

type statusResponse struct {
	Progress int64          `json:"progress"`
	Clients  []statusClient `json:"clients"`
}

func statusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.APIEnabled {
			httpx.Write(w, r, httpx.BadRequest("API disabled"))
			return
		}
		resp := statusResponse{Clients: []statusClient{}}
		for _, c := range deps.Registry.Snapshot() {
			resp.Clients = append(resp.Clients, statusClient{
				Name:      c.Name,
				Connected: c.Connected(),
				Completed: c.Completed(),
				Current:   c.Current(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>distasks</title></head>
<body><h1>distasks server is running</h1></body>
</html>`

// gorillaConn adapts a *websocket.Conn to session.Conn, adding the
// ping/pong heartbeat that detects a worker hung mid-task without
// closing its TCP connection. writeMu serializes writes: gorilla's
// Conn forbids concurrent writers, and the heartbeat ticker writes
// pings from a goroutine separate from the session's own writes.
type gorillaConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newGorillaConn(conn *websocket.Conn) *gorillaConn {
	c := &gorillaConn{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
		return nil
	})
	return c
}

// startHeartbeat launches the ping ticker. A missed pong leaves the
// read deadline unextended, so the session's next ReadJSON fails with
// a net.Error and the session treats that as a disconnect.
func (c *gorillaConn) startHeartbeat() {
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(heartbeatInterval))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

func (c *gorillaConn) stopHeartbeat() {
	c.once.Do(func() { close(c.done) })
}

func (c *gorillaConn) WriteText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *gorillaConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *gorillaConn) ReadJSON(v interface{}) error {
	return c.conn.ReadJSON(v)
}

func (c *gorillaConn) Close() error {
	c.stopHeartbeat()
	return c.conn.Close()
}
