package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/supaandu/rebalancer/internal/core/service"
	"github.com/supaandu/rebalancer/internal/metrics"
	"github.com/supaandu/rebalancer/pkg/types"
)

const (
	wsReadLimit  = 64 << 10
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsTaskQueue  = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS configuration.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// streamConn serializes writes to a websocket connection.
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) send(m *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(m)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleAgentStream runs agent tasks received over a websocket, streaming
// each state transition followed by the final result. Tasks on one
// connection run one at a time on a worker while the read loop keeps
// answering pings and pongs; closing the connection cancels queued and
// running tasks.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()

	sc := &streamConn{conn: conn}
	log := s.log.With().Str("remote", r.RemoteAddr).Str("subject", Subject(r.Context())).Logger()
	log.Info().Msg("Agent stream connected")

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Hijacked connections never cancel the request context on their own.
	ctx, cancel := context.WithCancel(r.Context())
	tasks := make(chan *types.Message, wsTaskQueue)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		close(tasks)
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sc.ping(); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		for in := range tasks {
			if ctx.Err() != nil {
				continue
			}
			if err := s.runStreamTask(ctx, sc, in, log); err != nil {
				// The peer is gone; unblock the read loop.
				cancel()
				_ = conn.Close()
			}
		}
	}()

	for {
		in := new(types.Message)
		if err := conn.ReadJSON(in); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Agent stream closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch in.Type {
		case types.MessageTypePing:
			if err := s.sendStream(sc, types.MessageTypePong, in.TaskID, nil); err != nil {
				return
			}
		case types.MessageTypeTask:
			select {
			case tasks <- in:
			default:
				err := s.sendStream(sc, types.MessageTypeError, in.TaskID, types.ErrorMessage{
					Code:    CodeValidation,
					Message: "too many queued tasks",
				})
				if err != nil {
					return
				}
			}
		default:
			err := s.sendStream(sc, types.MessageTypeError, in.TaskID, types.ErrorMessage{
				Code:    CodeValidation,
				Message: "unsupported message type: " + in.Type,
			})
			if err != nil {
				return
			}
		}
	}
}

// runStreamTask returns an error only when the connection is no longer writable.
func (s *Server) runStreamTask(ctx context.Context, sc *streamConn, in *types.Message, log zerolog.Logger) error {
	taskID := in.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	task, err := in.Task()
	if err != nil {
		return s.sendStream(sc, types.MessageTypeError, taskID, types.ErrorMessage{Code: CodeValidation, Message: err.Error()})
	}

	var writeErr error
	observe := func(e service.AgentEvent) {
		if writeErr != nil {
			return
		}
		writeErr = s.sendStream(sc, types.MessageTypeState, taskID, e)
	}

	resp, err := s.agent.Run(ctx, service.AgentRequest{
		UserMessage:   task.UserMessage,
		WalletAddress: task.WalletAddress,
	}, observe)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		_, code := statusFor(err)
		log.Warn().Err(err).Str("task_id", taskID).Msg("Agent task failed")
		return s.sendStream(sc, types.MessageTypeError, taskID, types.ErrorMessage{Code: code, Message: err.Error()})
	}
	return s.sendStream(sc, types.MessageTypeTaskResult, taskID, resp)
}

func (s *Server) sendStream(sc *streamConn, msgType, taskID string, data any) error {
	m, err := types.NewMessage(msgType, taskID, data)
	if err != nil {
		s.log.Error().Err(err).Str("type", msgType).Msg("Failed to build stream message")
		return nil
	}
	if err := sc.send(m); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			s.log.Debug().Err(err).Msg("Stream write failed")
		}
		return err
	}
	return nil
}
