package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lockstep-project/lockstep/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "lockstepd",
		"version": Version,
	})
}

// handleSystem reports host information, current load and session count.
func (s *Server) handleSystem(c *gin.Context) {
	snap, err := util.SnapshotResources(s.deps.DataPath)
	if err != nil {
		s.logger.Debug().Err(err).Msg("API: resource snapshot incomplete")
	}
	c.JSON(http.StatusOK, gin.H{
		"system":    util.GetSystemInfo(),
		"resources": snap,
		"sessions":  s.deps.Registry.Count(),
	})
}

func (s *Server) handleFrameCounts(c *gin.Context) {
	counts := map[string]uint64{}
	if s.deps.Router != nil {
		counts = s.deps.Router.Counts()
	}
	c.JSON(http.StatusOK, gin.H{"frames": counts})
}
