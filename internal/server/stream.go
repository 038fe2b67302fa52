package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + 10*time.Second
)

// Command types a viewer may send over the event stream
const (
	CommandAnswer    = "answer"
	CommandIntervene = "intervene"
)

// Command is a client-to-server message on the event stream
type Command struct {
	Type         string                  `json:"type"`
	TaskID       string                  `json:"task_id"`
	Answer       *string                 `json:"answer,omitempty"`
	Intervention *scheduler.Intervention `json:"intervention,omitempty"`
}

// CommandError is sent back when a command fails
type CommandError struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// handleEvents upgrades to a websocket that carries every orchestrator
// event. Pending queries are replayed on connect so a late viewer can answer
// them.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	s.viewerJoined()
	defer s.viewerLeft()
	s.logger.Info("viewer connected", "remote", c.Request.RemoteAddr)

	replies := make(chan any, 16)
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		defer conn.Close()
		return s.writePump(ctx, conn, sub, replies)
	})
	g.Go(func() error {
		return s.readPump(ctx, conn, replies)
	})

	if err := g.Wait(); err != nil && !isClosure(err) {
		s.logger.Warn("viewer stream ended", "error", err)
	}
	s.logger.Info("viewer disconnected", "remote", c.Request.RemoteAddr)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub <-chan events.Event, replies <-chan any) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	for _, q := range s.orch.PendingQueries() {
		e := events.HumanQuery(q.AgentID, q.Prompt)
		e.OccurredAt = q.AskedAt
		if err := write(e); err != nil {
			return err
		}
	}

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return errors.New("event subscription closed")
			}
			if err := write(e); err != nil {
				return err
			}
		case r := <-replies:
			if err := write(r); err != nil {
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

// readPump applies commands until the viewer disconnects. It always returns
// an error so the write pump is torn down with it.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, replies chan<- any) error {
	reply := func(v any) {
		select {
		case replies <- v:
		case <-ctx.Done():
		}
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply(CommandError{Type: "error", Error: fmt.Sprintf("malformed command: %v", err)})
			continue
		}
		if err := s.apply(cmd); err != nil {
			s.logger.Info("viewer command rejected", "type", cmd.Type, "task_id", cmd.TaskID, "error", err)
			reply(CommandError{Type: "error", TaskID: cmd.TaskID, Error: err.Error()})
		}
	}
}

func (s *Server) apply(cmd Command) error {
	switch cmd.Type {
	case CommandAnswer:
		if !s.orch.AnswerQuery(cmd.TaskID, cmd.Answer) {
			return errors.New("no pending query for task")
		}
		return nil
	case CommandIntervene:
		if cmd.Intervention == nil {
			return errors.New("intervention is required")
		}
		return s.orch.Intervene(cmd.TaskID, *cmd.Intervention)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
