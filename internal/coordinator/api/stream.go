package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/errors"
	"github.com/ralphd/ralphd/internal/runs"
	v1 "github.com/ralphd/ralphd/pkg/api/v1"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Keepalive period for SSE ping frames
	ssePingPeriod = 30 * time.Second

	// Frames buffered per subscriber before the client is dropped
	subscriberBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// runStream is one client's attachment to a run's event log: the history
// snapshot taken at subscription time plus a buffered live tail. overflow
// closes when the client cannot keep up; the transport must treat that as a
// disconnect so the client reconnects and replays instead of silently
// missing frames.
type runStream struct {
	history  []runs.AgentEvent
	frames   <-chan runs.AgentEvent
	overflow <-chan struct{}
	cancel   func()
}

func (h *Handler) subscribeRun(runID string) (*runStream, error) {
	frames := make(chan runs.AgentEvent, subscriberBuffer)
	overflow := make(chan struct{})
	var once sync.Once

	history, cancel, err := h.service.StreamRun(runID, func(ev runs.AgentEvent) {
		select {
		case frames <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		return nil, err
	}
	return &runStream{
		history:  history,
		frames:   frames,
		overflow: overflow,
		cancel:   cancel,
	}, nil
}

// StreamRun replays the run's event history and then tails it live over SSE
// GET /api/v1/run/:runId/stream
func (h *Handler) StreamRun(c *gin.Context) {
	runID := c.Param("runId")
	stream, err := h.subscribeRun(runID)
	if err != nil {
		appErr := errors.Wrap(err, "failed to stream run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	defer stream.cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for _, ev := range stream.history {
		if err := writeSSE(c.Writer, ev); err != nil {
			return
		}
	}
	c.Writer.Flush()

	ping := time.NewTicker(ssePingPeriod)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.overflow:
			h.logger.Warn("stream subscriber lagging, closing", zap.String("run_id", runID))
			return
		case ev := <-stream.frames:
			if err := writeSSE(c.Writer, ev); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ping.C:
			frame := v1.StreamFrame{Type: v1.FrameTypePing, Timestamp: time.Now().UTC()}
			if err := writeSSE(c.Writer, frame); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeSSE(w io.Writer, frame interface{}) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", buf)
	return err
}

// StreamRunWS streams the run's event history and live tail over a WebSocket
// GET /api/v1/run/:runId/ws
func (h *Handler) StreamRunWS(c *gin.Context) {
	runID := c.Param("runId")
	stream, err := h.subscribeRun(runID)
	if err != nil {
		appErr := errors.Wrap(err, "failed to stream run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	defer stream.cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("websocket stream established", zap.String("run_id", runID))

	// Reader consumes pongs and surfaces the peer closing. Closing the
	// connection on return unblocks it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range stream.history {
		if err := writeWS(conn, ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-stream.overflow:
			h.logger.Warn("websocket subscriber lagging, closing", zap.String("run_id", runID))
			return
		case ev := <-stream.frames:
			if err := writeWS(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, ev runs.AgentEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
