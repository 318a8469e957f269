package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/protocol"
	"github.com/lockstep-project/lockstep/internal/session"
)

const defaultHistoryLimit = 100

func (s *Server) handleListSessions(c *gin.Context) {
	infos := s.deps.Registry.List()
	c.JSON(http.StatusOK, gin.H{
		"count":    len(infos),
		"sessions": infos,
	})
}

// lookup resolves the :id parameter, writing a 404 when it is unknown.
func (s *Server) lookup(c *gin.Context) (session.Session, bool) {
	id := c.Param("id")
	sess, ok := s.deps.Registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Describe(sess))
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSetMode(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"mode\": \"online\"|\"offline\"}"})
		return
	}
	mode, valid := session.ParseMode(req.Mode)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode", "mode": req.Mode})
		return
	}

	sess.SetMode(mode)
	s.logger.Info().Str("session", sess.ID()).Str("mode", mode.String()).Msg("API: session mode changed")
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(context.Background(), events.Event{
			Type:    events.EventModeChanged,
			Source:  "api",
			Payload: events.ModeChangedPayload{ID: sess.ID(), Mode: mode.String()},
		})
	}
	c.JSON(http.StatusOK, session.Describe(sess))
}

func (s *Server) handleCloseSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	sess.Close()
	s.deps.Registry.Unregister(sess)
	s.logger.Info().Str("session", sess.ID()).Msg("API: session closed")

	c.JSON(http.StatusOK, gin.H{
		"status": "closed",
		"id":     sess.ID(),
		"reason": sess.Reason(),
	})
}

type broadcastRequest struct {
	Code    int32  `json:"code"`
	Payload string `json:"payload"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent := s.deps.Registry.Broadcast(protocol.RequestCode(req.Code), []byte(req.Payload))
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return limit, true
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	records, err := s.deps.History.History(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("API: history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "sessions": records})
}

func (s *Server) handleRejections(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	rejections, err := s.deps.History.Rejections(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rejections), "rejections": rejections})
}
