package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/orchestrator"
	"github.com/voxa-ai/voxa/internal/ratelimit"
)

// wsWriteTimeout bounds a single frame write so one stuck client cannot
// block the connection's writer.
const wsWriteTimeout = 5 * time.Second

// frame is the JSON envelope shared by every WebSocket message.
type frame struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// ai_query
	Query   string          `json:"query,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`

	// ai_response
	Text     string                 `json:"text,omitempty"`
	Metadata *orchestrator.ReplyMeta `json:"metadata,omitempty"`

	// function_result
	Function string          `json:"function,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// plugin_toggle / plugin_toggled
	Plugin string `json:"plugin,omitempty"`
	Action string `json:"action,omitempty"`
	Status string `json:"status,omitempty"`

	// plugin_list: plugin name to enabled flag for this user.
	Plugins map[string]bool `json:"plugins,omitempty"`

	// error
	Code              string `json:"code,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// wsConn is one live WebSocket connection. Writes are serialized through
// writeMu; reads happen only on the handler goroutine.
type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastRead atomic.Int64

	// queries derive from graceCtx, which outlives the connection by the
	// reconnect grace window.
	graceCtx    context.Context
	graceCancel context.CancelFunc

	inflight sync.WaitGroup
}

func (c *wsConn) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) writeErrorFrame(correlationID, code, message string, retryAfter int64) {
	if err := c.writeFrame(frame{
		Type:              "error",
		CorrelationID:     correlationID,
		Code:              code,
		Message:           message,
		RetryAfterSeconds: retryAfter,
	}); err != nil {
		slog.Debug("error frame not delivered", "code", code, "error", err)
	}
}

// handleWebSocket upgrades the connection and serves frames until the client
// disconnects. Each connection belongs to exactly one session, identified by
// the client_id path segment.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ac := caller(r)
	clientID := r.PathValue("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "client_id is required")
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cors) > 0 {
		opts.OriginPatterns = s.cors
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("websocket accept failed", "user_id", ac.user.ID, "error", err)
		return
	}
	// The hard cap only guards against runaway frames; application-level
	// oversize is handled per frame in the read loop.
	conn.SetReadLimit(1 << 20)

	if s.metrics != nil {
		s.metrics.ActiveWebSockets.Add(r.Context(), 1)
		defer s.metrics.ActiveWebSockets.Add(context.Background(), -1)
	}

	// In-flight queries must survive an abrupt disconnect for the grace
	// window, so their context is cut loose from the request.
	graceCtx, graceCancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsConn{conn: conn, graceCtx: graceCtx, graceCancel: graceCancel}
	c.lastRead.Store(time.Now().UnixNano())

	slog.Info("websocket connected", "user_id", ac.user.ID, "client_id", clientID)

	hbCtx, hbStop := context.WithCancel(r.Context())
	go s.heartbeatLoop(hbCtx, c)

	s.readLoop(r.Context(), c, ac, clientID)

	hbStop()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	// Cancel whatever is still running once the grace window passes.
	timer := time.AfterFunc(s.grace, graceCancel)
	c.inflight.Wait()
	timer.Stop()
	graceCancel()

	slog.Info("websocket closed", "user_id", ac.user.ID, "client_id", clientID)
}

// readLoop processes client frames until the connection errors out.
func (s *Server) readLoop(ctx context.Context, c *wsConn, ac authContext, clientID string) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				slog.Debug("websocket read ended", "client_id", clientID, "error", err)
			}
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		// Oversized frames are dropped, not fatal: the client gets a typed
		// error and the connection stays up.
		if int64(len(data)) > s.readLimit {
			c.writeErrorFrame("", "FrameTooLarge", fmt.Sprintf("frame exceeds %d bytes", s.readLimit), 0)
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.writeErrorFrame("", "BadFrame", "frame is not valid JSON", 0)
			continue
		}

		switch f.Type {
		case "ai_query":
			s.handleQueryFrame(c, ac, clientID, f)
		case "plugin_toggle":
			s.handleToggleFrame(c, ac, f)
		case "plugin_list":
			s.handleListFrame(c, ac, f)
		default:
			c.writeErrorFrame(f.CorrelationID, "BadFrame", "unknown frame type "+f.Type, 0)
		}
	}
}

// handleQueryFrame admits the query on the read loop, so turns within a
// session land in arrival order, then completes it concurrently with any
// others in flight. Responses across correlation ids may interleave; within
// one id the single response trivially follows its request.
func (s *Server) handleQueryFrame(c *wsConn, ac authContext, clientID string, f frame) {
	if f.Query == "" {
		c.writeErrorFrame(f.CorrelationID, "BadFrame", "query must not be empty", 0)
		return
	}

	sub, err := s.auth.Submit(c.graceCtx, ac.user, clientID, f.Query)
	if err != nil {
		c.writeQueryError(f.CorrelationID, err)
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		ctx, cancel := context.WithTimeout(c.graceCtx, s.taskWait)
		defer cancel()
		reply, err := s.auth.Complete(ctx, sub)
		if err != nil {
			c.writeQueryError(f.CorrelationID, err)
			return
		}

		for _, tool := range reply.Meta.UsedTools {
			result, merr := json.Marshal(tool)
			if merr != nil {
				continue
			}
			if werr := c.writeFrame(frame{
				Type:          "function_result",
				CorrelationID: f.CorrelationID,
				Function:      tool.Name,
				Result:        result,
			}); werr != nil {
				return
			}
		}

		if werr := c.writeFrame(frame{
			Type:          "ai_response",
			CorrelationID: f.CorrelationID,
			Text:          reply.Text,
			Metadata:      &reply.Meta,
		}); werr != nil {
			slog.Debug("response frame not delivered", "client_id", clientID, "error", werr)
		}
	}()
}

// writeQueryError maps pipeline errors onto typed error frames, mirroring
// the REST status mapping.
func (c *wsConn) writeQueryError(correlationID string, err error) {
	var limited *ratelimit.RateLimited
	switch {
	case errors.As(err, &limited):
		secs := int64(limited.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.writeErrorFrame(correlationID, "RateLimited", limited.Error(), secs)
	case errors.Is(err, gateway.ErrOverloaded):
		c.writeErrorFrame(correlationID, "Overloaded", "server is at capacity, retry later", 0)
	case errors.Is(err, context.DeadlineExceeded):
		c.writeErrorFrame(correlationID, "Timeout", "query deadline exceeded", 0)
	case errors.Is(err, context.Canceled):
		// The grace window expired; nobody is listening anymore.
	default:
		slog.Error("websocket query failed", "error", err)
		c.writeErrorFrame(correlationID, "Internal", "internal server error", 0)
	}
}

func (s *Server) handleToggleFrame(c *wsConn, ac authContext, f frame) {
	var err error
	switch f.Action {
	case "enable":
		err = s.plugins.Enable(c.graceCtx, ac.user.ID, f.Plugin)
	case "disable":
		err = s.plugins.Disable(c.graceCtx, ac.user.ID, f.Plugin)
	default:
		c.writeErrorFrame(f.CorrelationID, "BadFrame", "action must be enable or disable", 0)
		return
	}
	if err != nil {
		c.writeErrorFrame(f.CorrelationID, "UnknownPlugin", "no such plugin", 0)
		return
	}
	status := "disabled"
	if f.Action == "enable" {
		status = "enabled"
	}
	if werr := c.writeFrame(frame{
		Type:          "plugin_toggled",
		CorrelationID: f.CorrelationID,
		Plugin:        f.Plugin,
		Status:        status,
	}); werr != nil {
		slog.Debug("toggle frame not delivered", "plugin", f.Plugin, "error", werr)
	}
}

func (s *Server) handleListFrame(c *wsConn, ac authContext, f frame) {
	enabled, err := s.plugins.Enabled(c.graceCtx, ac.user.ID, ac.user.Tier)
	if err != nil {
		c.writeErrorFrame(f.CorrelationID, "Internal", "plugin state unavailable", 0)
		return
	}
	out := make(map[string]bool, len(enabled))
	for _, d := range s.plugins.Discover() {
		// Premium plugins are invisible to free users.
		if on, visible := enabled[d.Name]; visible {
			out[d.Name] = on
		}
	}
	if werr := c.writeFrame(frame{
		Type:          "plugin_list",
		CorrelationID: f.CorrelationID,
		Plugins:       out,
	}); werr != nil {
		slog.Debug("plugin list frame not delivered", "error", werr)
	}
}

// heartbeatLoop pings the client every heartbeat interval and closes the
// connection after the idle cutoff passes without a client frame.
func (s *Server) heartbeatLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastRead.Load())) > s.idle {
				_ = c.conn.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
