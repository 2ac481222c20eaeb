// Package session implements the per-connection worker state machine:
// handshake, identify/verify, assign-send-await-record loop, and disconnect
// recovery into the repeat queue.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"distasks/internal/dispatch"
)

// Conn is the minimal bidirectional text-frame transport a Session needs.
// A production server backs this with a gorilla/websocket connection; tests
// back it with an in-memory fake.
type Conn interface {
	WriteText(s string) error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// Identify is the first client-to-server message: a name plus arbitrary
// embedder-defined verification fields.
type Identify struct {
	Name  string          `json:"name"`
	Extra json.RawMessage `json:"-"`
}

// UnmarshalJSON captures Name while keeping the full raw payload available
// to the verifier, which may need fields beyond "name".
func (id *Identify) UnmarshalJSON(data []byte) error {
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}
	id.Name = named.Name
	id.Extra = append(json.RawMessage(nil), data...)
	return nil
}

// TaskView is the read-only snapshot of a client's in-flight task exposed
// through the status endpoint.
type TaskView struct {
	Num  dispatch.JobNumber `json:"num"`
	Data json.RawMessage    `json:"data"`
}

// Client is the per-connection record owned exclusively by its Session and
// observed read-only elsewhere (the status endpoint).
type Client struct {
	ID        string
	Name      string
	completed atomic.Int64

	mu      sync.Mutex
	current *dispatch.Task
	closed  atomic.Bool
}

// Completed returns the number of tasks this client has completed.
func (c *Client) Completed() int64 { return c.completed.Load() }

// Connected reports whether the underlying session is still live.
func (c *Client) Connected() bool { return !c.closed.Load() }

// Current returns the client's in-flight task, or nil if it is between
// tasks.
func (c *Client) Current() *TaskView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return &TaskView{Num: c.current.Num, Data: json.RawMessage(c.current.Data)}
}

func (c *Client) setCurrent(t *dispatch.Task) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Registry tracks live Clients for the status endpoint. Entry/exit is
// driven by Sessions; Snapshot gives readers a stable point-in-time view.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) add(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// Snapshot returns every currently registered client.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// VerifyFunc decides whether an identify payload is accepted. The default
// (nil) accepts every client.
type VerifyFunc func(identify json.RawMessage) (bool, error)

// OnCompleteFunc is invoked after a result is received for a task. A true
// return (or an error) requests the task be re-enqueued rather than
// recorded complete.
type OnCompleteFunc func(task dispatch.Task, result json.RawMessage) (bool, error)

// RecordFunc persists a single completed job number, e.g. into a
// progress.Store, returning an error if persistence should abort the
// completion.
type RecordFunc func(num dispatch.JobNumber) error

// Config bundles the collaborators a Session needs. Dispatcher and Record
// are required; Verify and OnComplete default to permissive/no-op.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Record     RecordFunc
	Verify     VerifyFunc
	OnComplete OnCompleteFunc
	Registry   *Registry
	Logger     zerolog.Logger
}

// Session runs one worker connection's state machine to completion. It
// never panics the caller: internal errors are logged and treated as a
// disconnect.
type Session struct {
	cfg  Config
	conn Conn
}

// New constructs a Session for one accepted connection.
func New(conn Conn, cfg Config) *Session {
	return &Session{cfg: cfg, conn: conn}
}

// ErrShapeMismatch marks an error as an expected-at-close frame decode
// failure rather than an unexpected application error, so callers can log
// it at debug level per the error handling design.
var ErrShapeMismatch = errors.New("session: frame decode failure")

// Run drives the Opening -> AwaitingIdentify -> Assigning -> Awaiting loop
// until the connection closes or is rejected, then tears down cleanly.
func (s *Session) Run() {
	var (
		client     *Client
		inProgress bool
		current    dispatch.Task
	)
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error().Interface("panic", r).Msg("session panic")
		}
		if inProgress {
			s.cfg.Dispatcher.Enqueue(current)
			s.cfg.Logger.Debug().Uint64("num", current.Num).Msg("in-progress task re-enqueued on close")
		}
		if client != nil {
			client.closed.Store(true)
			s.cfg.Registry.remove(client.ID)
		}
		s.conn.Close()
		s.cfg.Logger.Debug().Msg("worker session closed")
	}()

	// Opening: announce readiness immediately after accept.
	if err := s.conn.WriteText("ready"); err != nil {
		s.logClose(err)
		return
	}

	// AwaitingIdentify.
	var identify Identify
	if err := s.conn.ReadJSON(&identify); err != nil {
		s.logClose(fmt.Errorf("%w: %v", ErrShapeMismatch, err))
		return
	}
	ok := true
	var verr error
	if s.cfg.Verify != nil {
		ok, verr = s.cfg.Verify(identify.Extra)
	}
	if verr != nil {
		s.cfg.Logger.Error().Err(verr).Msg("verifier error")
		return
	}
	if !ok {
		s.cfg.Logger.Warn().Str("name", identify.Name).Msg("client verification failed")
		return
	}

	client = &Client{ID: uuid.NewString(), Name: identify.Name}
	s.cfg.Registry.add(client)
	s.cfg.Logger = s.cfg.Logger.With().Str("client_id", client.ID).Str("name", client.Name).Logger()

	for {
		// Assigning.
		t, err := s.cfg.Dispatcher.Next()
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("job source error, closing session")
			return
		}
		if err := s.conn.WriteJSON(json.RawMessage(t.Data)); err != nil {
			s.logClose(err)
			return
		}
		current = t
		current.Runs++
		inProgress = true
		client.setCurrent(&current)
		s.cfg.Logger.Debug().Uint64("num", t.Num).Int("runs", current.Runs).Msg("assigned task")

		// Awaiting.
		var result json.RawMessage
		if err := s.conn.ReadJSON(&result); err != nil {
			s.logClose(fmt.Errorf("%w: %v", ErrShapeMismatch, err))
			return
		}
		inProgress = false
		client.setCurrent(nil)
		client.completed.Add(1)

		s.handleCompletion(current, result)
		current = dispatch.Task{}
	}
}

func (s *Session) handleCompletion(task dispatch.Task, result json.RawMessage) {
	repeat := false
	if s.cfg.OnComplete != nil {
		var err error
		repeat, err = s.cfg.OnComplete(task, result)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Uint64("num", task.Num).Msg("on_complete handler error, not recording completion")
			repeat = true
		}
	}
	if repeat {
		s.cfg.Logger.Debug().Uint64("num", task.Num).Msg("on_complete requested repeat")
		s.cfg.Dispatcher.Enqueue(task)
		return
	}
	if err := s.cfg.Record(task.Num); err != nil {
		s.cfg.Logger.Error().Err(err).Uint64("num", task.Num).Msg("record completion failed")
	}
}

func (s *Session) logClose(err error) {
	if errors.Is(err, ErrShapeMismatch) {
		s.cfg.Logger.Debug().Err(err).Msg("session closing")
		return
	}
	s.cfg.Logger.Error().Err(err).Msg("session error")
}
