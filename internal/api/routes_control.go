package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/framecast-project/framecast/internal/server"
)

// handleKick disconnects the viewer in a slot.
func (s *Server) handleKick(c *gin.Context) {
	slot, err := parseSlot(c)
	if err != nil {
		return
	}

	if err := s.ctrl.Kick(slot); err != nil {
		if errors.Is(err, server.ErrNoClient) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no client in slot", "slot": slot})
			return
		}
		s.logger.Error().Err(err).Int("slot", slot).Msg("API: failed to kick client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Int("slot", slot).Str("client_ip", c.ClientIP()).Msg("API: client kicked")
	c.JSON(http.StatusOK, gin.H{
		"status": "kicked",
		"slot":   slot,
	})
}

// handleRescene bumps the scene epoch so every viewer renegotiates.
func (s *Server) handleRescene(c *gin.Context) {
	epoch := s.ctrl.BumpEpoch()
	s.logger.Info().Uint8("epoch", epoch).Str("client_ip", c.ClientIP()).Msg("API: scene epoch bumped")
	c.JSON(http.StatusOK, gin.H{
		"status": "renegotiating",
		"epoch":  epoch,
	})
}

// parseSlot extracts and validates the slot parameter. On failure the
// response has already been written.
func parseSlot(c *gin.Context) (int, error) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err == nil && slot < 0 {
		err = strconv.ErrRange
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot"})
		return 0, err
	}
	return slot, nil
}
