package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/framecast-project/framecast/internal/util"
)

// handleHealth is the liveness check.
func (s *Server) handleHealth(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "framecast",
		"has_scene": st.HasScene,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": util.Version,
		"name":    "Framecast",
	})
}
