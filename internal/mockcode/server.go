// Package mockcode implements a scriptable stand-in for the opencode agent
// server. It serves the protocol surface the orchestrator's client uses
// (/global/health, /session, /session/{id}/message, /event) and plays
// configurable scenarios so iteration engines can be exercised without a
// real agent runtime.
package mockcode

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/pkg/opencode"
)

// Config controls mock server behavior.
type Config struct {
	// Password, when set, requires "opencode:<password>" basic auth on
	// every request, matching how the real server is started.
	Password string
	// Heartbeat is the server.heartbeat cadence on /event.
	Heartbeat time.Duration
	// StepDelay is the pause before each scenario step without its own
	// delay. Zero means no pause.
	StepDelay time.Duration
}

// Server is the mock agent server. Zero scenarios are built in; behavior
// comes entirely from the Script.
type Server struct {
	cfg    Config
	logger *logger.Logger
	router *gin.Engine
	script Script

	mu         sync.Mutex
	sessions   map[string]bool
	subs       map[int]chan []byte
	nextSub    int
	sessionSeq int
	messageSeq int
	partSeq    int
	toolSeq    int
}

// New creates a mock agent server that plays scenarios chosen by script.
func New(cfg Config, script Script, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	if script == nil {
		script = DefaultScript(1)
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "mockcode")),
		router:   gin.New(),
		script:   script,
		sessions: make(map[string]bool),
		subs:     make(map[int]chan []byte),
	}

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler for the mock server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.authMiddleware())

	s.router.GET("/global/health", s.handleHealth)
	s.router.POST("/session", s.handleCreateSession)
	s.router.POST("/session/:id/message", s.handleMessage)
	s.router.POST("/session/:id/abort", s.handleAbort)
	s.router.GET("/event", s.handleEvents)
}

// authMiddleware enforces basic auth when a password is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	expected := ""
	if s.cfg.Password != "" {
		expected = "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:"+s.cfg.Password))
	}

	return func(c *gin.Context) {
		if expected != "" && c.GetHeader("Authorization") != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, opencode.HealthResponse{
		Healthy: true,
		Version: "mock-0.1.0",
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	s.mu.Lock()
	s.sessionSeq++
	id := fmt.Sprintf("ses_mock_%04d", s.sessionSeq)
	s.sessions[id] = true
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session_id", id))
	c.JSON(http.StatusOK, opencode.SessionResponse{ID: id})
}

func (s *Server) handleAbort(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleMessage(c *gin.Context) {
	sessionID := c.Param("id")

	s.mu.Lock()
	known := s.sessions[sessionID]
	s.mu.Unlock()
	if !known {
		c.JSON(http.StatusNotFound, gin.H{
			"name": "NotFoundError",
			"data": gin.H{"message": "session not found: " + sessionID},
		})
		return
	}

	var req opencode.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"name": "BadRequestError",
			"data": gin.H{"message": "invalid request body: " + err.Error()},
		})
		return
	}

	var promptParts []string
	for _, p := range req.Parts {
		if p.Type == "text" {
			promptParts = append(promptParts, p.Text)
		}
	}
	prompt := strings.Join(promptParts, "\n")

	scenario := s.script(sessionID, prompt)
	info, parts := s.playScenario(sessionID, scenario)

	if scenario.ErrorName != "" {
		c.JSON(http.StatusOK, gin.H{
			"name": scenario.ErrorName,
			"data": gin.H{"message": scenario.ErrorMessage},
		})
		return
	}

	c.JSON(http.StatusOK, opencode.ChatResponse{Info: info, Parts: parts})
}

// playScenario emits the scenario's event sequence on the /event stream and
// returns the finished message for the POST response body. The call blocks
// for the scenario's total delay, which is what makes the blocking chat
// variant observable.
func (s *Server) playScenario(sessionID string, scenario Scenario) (opencode.MessageInfo, []opencode.Part) {
	info := opencode.MessageInfo{
		ID:        s.next(&s.messageSeq, "msg_mock_%04d"),
		SessionID: sessionID,
		Role:      "assistant",
	}

	s.broadcast(opencode.SDKEventMessageUpdated, opencode.MessageUpdatedProperties{Info: info})

	var parts []opencode.Part
	for _, step := range scenario.Steps {
		delay := step.Delay
		if delay == 0 {
			delay = s.cfg.StepDelay
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		switch step.Kind {
		case StepSleep:
			// delay already applied

		case StepText:
			part := opencode.Part{
				ID:        s.next(&s.partSeq, "prt_mock_%04d"),
				Type:      opencode.PartTypeText,
				MessageID: info.ID,
				SessionID: sessionID,
				Text:      step.Text,
			}
			// Stream a cumulative prefix first, the way the real server
			// streams text as it is generated.
			if len(step.Text) > 8 {
				partial := part
				partial.Text = step.Text[:len(step.Text)/2]
				s.broadcast(opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{Part: partial})
			}
			s.broadcast(opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{Part: part})
			parts = append(parts, part)

		case StepReasoning:
			part := opencode.Part{
				ID:        s.next(&s.partSeq, "prt_mock_%04d"),
				Type:      opencode.PartTypeReasoning,
				MessageID: info.ID,
				SessionID: sessionID,
				Text:      step.Text,
			}
			s.broadcast(opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{Part: part})
			parts = append(parts, part)

		case StepTool:
			part := opencode.Part{
				ID:        s.next(&s.partSeq, "prt_mock_%04d"),
				Type:      opencode.PartTypeTool,
				MessageID: info.ID,
				SessionID: sessionID,
				CallID:    s.next(&s.toolSeq, "call_mock_%04d"),
				Tool:      step.Tool,
			}

			running := part
			running.State = &opencode.ToolStateUpdate{
				Status: opencode.ToolStatusRunning,
				Title:  step.ToolTitle,
			}
			s.broadcast(opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{Part: running})

			done := part
			if step.ToolError != "" {
				done.State = &opencode.ToolStateUpdate{
					Status: opencode.ToolStatusError,
					Title:  step.ToolTitle,
					Error:  step.ToolError,
				}
			} else {
				done.State = &opencode.ToolStateUpdate{
					Status: opencode.ToolStatusCompleted,
					Title:  step.ToolTitle,
					Output: step.ToolOutput,
				}
			}
			s.broadcast(opencode.SDKEventMessagePartUpdated, opencode.MessagePartUpdatedProperties{Part: done})
			parts = append(parts, done)
		}
	}

	if scenario.ErrorName != "" {
		s.broadcast(opencode.SDKEventSessionError, opencode.SessionErrorProperties{
			SessionID: sessionID,
			Error: &opencode.SDKError{
				Name: scenario.ErrorName,
				Data: &struct {
					Message string `json:"message,omitempty"`
				}{Message: scenario.ErrorMessage},
			},
		})
		return info, parts
	}

	if !scenario.OmitIdle {
		s.broadcast(opencode.SDKEventSessionStatus, opencode.SessionStatusProperties{
			SessionID: sessionID,
			Status:    opencode.SessionStatus{Type: "idle"},
		})
		s.broadcast(opencode.SDKEventSessionIdle, opencode.SessionIdleProperties{SessionID: sessionID})
	}

	return info, parts
}

func (s *Server) next(seq *int, format string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	*seq++
	return fmt.Sprintf(format, *seq)
}

// broadcast fans an event out to every /event subscriber. Slow subscribers
// are dropped-from, never waited on.
func (s *Server) broadcast(eventType string, props any) {
	propBytes, err := json.Marshal(props)
	if err != nil {
		s.logger.Error("failed to marshal event properties", zap.Error(err))
		return
	}

	data, err := json.Marshal(opencode.SDKEventEnvelope{Type: eventType, Properties: propBytes})
	if err != nil {
		s.logger.Error("failed to marshal event envelope", zap.Error(err))
		return
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			s.logger.Warn("event subscriber lagging, dropping event", zap.Int("subscriber", id))
		}
	}
}

func (s *Server) subscribe() (int, chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, 256)
	s.subs[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *Server) handleEvents(c *gin.Context) {
	// Register before the 200 goes out so a client that connects and then
	// immediately prompts cannot miss the first events.
	id, ch := s.subscribe()
	defer s.unsubscribe(id)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ch:
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, "data: {\"type\":\"server.heartbeat\"}\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
