package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/monitor"
	"github.com/substrateops/foreman/pkg/scheduler"
	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	outboundBuffer = 64
)

// Hub owns the duplex worker sessions. Each worker id binds to at most one
// live session; a re-register replaces the previous binding. The hub also
// subscribes to store change events and fans them out to sessions whose
// topic patterns match.
type Hub struct {
	store *store.Store
	sched *scheduler.Scheduler
	mon   *monitor.Monitor

	// FrameDeadline is the soft budget for handling one inbound frame.
	// Exceeding it reports an error frame but keeps the session open.
	frameDeadline time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	upgrader websocket.Upgrader
	changes  store.Subscriber
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a session hub. frameDeadline <= 0 disables the soft
// per-frame budget.
func NewHub(st *store.Store, sched *scheduler.Scheduler, mon *monitor.Monitor, frameDeadline time.Duration) *Hub {
	return &Hub{
		store:         st,
		sched:         sched,
		mon:           mon,
		frameDeadline: frameDeadline,
		sessions:      make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("session"),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to store change events and begins fan-out.
func (h *Hub) Start() {
	h.changes = h.store.Subscribe()
	h.wg.Add(1)
	go h.fanout()
}

// Stop closes every open session and halts fan-out.
func (h *Hub) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.store.Unsubscribe(h.changes)

	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range open {
		s.close(websocket.CloseGoingAway, "daemon shutting down")
	}
	h.wg.Wait()
}

// ServeHTTP upgrades the request and runs the session until its socket
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s := newSession(h, conn)
	s.run()
}

// PushAssignment delivers a task_assigned frame to the worker's session, if
// one is open. Wired as the scheduler's assignment hook.
func (h *Hub) PushAssignment(workerID string, task *types.Task) {
	h.mu.Lock()
	s := h.sessions[workerID]
	h.mu.Unlock()
	if s == nil {
		return
	}
	s.send(&types.Frame{Type: types.FrameTaskAssigned, Task: task})
}

// SessionCount returns the number of bound sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// bind associates the session with a worker id, closing any previous session
// bound to the same id.
func (h *Hub) bind(workerID string, s *Session) {
	h.mu.Lock()
	prev := h.sessions[workerID]
	h.sessions[workerID] = s
	h.mu.Unlock()

	if prev != nil && prev != s {
		prev.close(websocket.CloseGoingAway, "session replaced")
	}
}

// unbind drops the session if it is still the current binding for the
// worker. Closing a replaced session must not unbind its successor.
func (h *Hub) unbind(workerID string, s *Session) {
	h.mu.Lock()
	if h.sessions[workerID] == s {
		delete(h.sessions, workerID)
	}
	h.mu.Unlock()
}

// fanout forwards store change events to sessions with a matching topic
// subscription. Per-session ordering follows mutation order because a single
// goroutine drains the broker channel.
func (h *Hub) fanout() {
	defer h.wg.Done()
	for {
		select {
		case change, ok := <-h.changes:
			if !ok {
				return
			}
			h.broadcast(change)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) broadcast(change types.Change) {
	topic := change.Topic()

	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.subscribedTo(topic) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		c := change
		s.send(&types.Frame{Type: types.FrameStateChange, Change: &c})
	}
}
