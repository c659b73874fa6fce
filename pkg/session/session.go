package session

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"

	"github.com/substrateops/foreman/pkg/scheduler"
	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

// Session is one duplex worker connection. Inbound frames process serially
// on the read loop; outbound frames queue on a channel drained by a single
// write loop, so per-session ordering holds in both directions.
type Session struct {
	hub  *Hub
	conn *websocket.Conn

	mu       sync.Mutex
	workerID string
	topics   mapset.Set[string]

	out       chan *types.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:    h,
		conn:   conn,
		topics: mapset.NewSet[string](),
		out:    make(chan *types.Frame, outboundBuffer),
		closed: make(chan struct{}),
	}
}

// run blocks until the session ends.
func (s *Session) run() {
	s.conn.SetReadLimit(types.MaxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop()
	s.close(websocket.CloseNormalClosure, "")
	wg.Wait()

	if id := s.boundWorker(); id != "" {
		s.hub.unbind(id, s)
		// No status change here: the worker keeps its tasks and its
		// standing until the heartbeat timeout lapses, so a quick
		// reconnect loses nothing.
		s.hub.logger.Info().Str("worker_id", id).Msg("Session closed")
	}
}

func (s *Session) readLoop() {
	for {
		var frame types.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.logger.Debug().Err(err).Msg("Session read failed")
			}
			return
		}
		started := time.Now()
		s.dispatch(&frame)
		if d := s.hub.frameDeadline; d > 0 && time.Since(started) > d {
			s.sendError(fmt.Sprintf("frame %q exceeded handling deadline", frame.Type))
		}
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-s.out:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) dispatch(frame *types.Frame) {
	switch frame.Type {
	case types.FrameRegister:
		s.handleRegister(frame)
	case types.FrameHeartbeat:
		s.handleHeartbeat(frame)
	case types.FrameTaskUpdate:
		s.handleTaskUpdate(frame)
	case types.FrameSubscribe:
		s.handleSubscribe(frame)
	default:
		s.sendError(fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *Session) handleRegister(frame *types.Frame) {
	if frame.WorkerID == "" {
		s.sendError("register requires workerId")
		return
	}
	worker, err := s.hub.sched.RegisterWorker(scheduler.RegisterRequest{
		WorkerID:     frame.WorkerID,
		Capabilities: frame.Capabilities,
		Metadata:     frame.Metadata,
	})
	if err != nil {
		s.sendError(err.Error())
		return
	}

	s.mu.Lock()
	s.workerID = worker.ID
	// Subscriptions do not survive a reconnect; each register starts clean
	// and the worker re-subscribes.
	s.topics = mapset.NewSet[string]()
	s.mu.Unlock()

	s.hub.bind(worker.ID, s)
	s.send(&types.Frame{
		Type:       types.FrameRegistered,
		WorkerID:   worker.ID,
		ServerTime: types.NowMS(),
	})

	// Tasks placed by the register-triggered drain were pushed before this
	// session was bound, so those frames went nowhere. Replay every
	// assignment the worker currently holds; a frame can arrive twice this
	// way, never zero times.
	for _, taskID := range s.hub.store.WorkerTaskIDs(worker.ID) {
		task, err := s.hub.store.GetTask(taskID)
		if err != nil || task.Status != types.TaskStatusAssigned {
			continue
		}
		s.send(&types.Frame{Type: types.FrameTaskAssigned, Task: task.Clone()})
	}
}

func (s *Session) handleHeartbeat(frame *types.Frame) {
	workerID := frame.WorkerID
	if workerID == "" {
		workerID = s.boundWorker()
	}
	if workerID == "" {
		s.sendError("heartbeat before register")
		return
	}
	if _, err := s.hub.mon.Heartbeat(workerID); err != nil {
		s.sendError(err.Error())
		return
	}
	s.send(&types.Frame{Type: types.FrameHeartbeatAck, ServerTime: types.NowMS()})
}

func (s *Session) handleTaskUpdate(frame *types.Frame) {
	workerID := s.boundWorker()
	if workerID == "" {
		s.sendError("task_update before register")
		return
	}
	if frame.TaskID == "" {
		s.sendError("task_update requires taskId")
		return
	}

	var err error
	switch types.TaskStatus(frame.Status) {
	case types.TaskStatusCompleted:
		_, err = s.hub.sched.Complete(frame.TaskID, workerID, frame.Result)
	case types.TaskStatusFailed:
		_, err = s.hub.sched.Fail(frame.TaskID, workerID, frame.Error)
	case types.TaskStatusInProgress:
		progress := 0
		if frame.Progress != nil {
			progress = *frame.Progress
		}
		_, err = s.hub.sched.UpdateProgress(frame.TaskID, workerID, progress)
	default:
		err = types.Invalid("unknown task_update status %q", frame.Status)
	}
	if err != nil {
		s.sendError(err.Error())
	}
}

func (s *Session) handleSubscribe(frame *types.Frame) {
	workerID := s.boundWorker()
	if workerID == "" {
		s.sendError("subscribe before register")
		return
	}

	s.mu.Lock()
	s.topics = mapset.NewSet(frame.Topics...)
	s.mu.Unlock()

	// Mirror the pattern list onto the worker record for operator
	// visibility.
	err := s.hub.store.Update(func(tx *store.Tx) error {
		worker, err := tx.GetWorker(workerID)
		if err != nil {
			return err
		}
		w := worker.Clone()
		w.Subscriptions = append([]string(nil), frame.Topics...)
		tx.SetWorker(w)
		return nil
	})
	if err != nil {
		s.sendError(err.Error())
	}
}

func (s *Session) subscribedTo(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics.Contains(topic) || s.topics.Contains("*")
}

func (s *Session) boundWorker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

// send queues an outbound frame. A session that cannot keep up has its
// frame dropped rather than blocking the caller.
func (s *Session) send(frame *types.Frame) {
	select {
	case s.out <- frame:
	case <-s.closed:
	default:
		s.hub.logger.Warn().
			Str("worker_id", s.boundWorker()).
			Str("frame", string(frame.Type)).
			Msg("Outbound buffer full, dropping frame")
	}
}

func (s *Session) sendError(message string) {
	s.send(&types.Frame{Type: types.FrameError, Message: message})
}

// close tears the session down exactly once: a close frame with the given
// code, then the socket.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.CloseMessage, msg)
		s.conn.Close()
	})
}
