package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/events"
)

const redacted = "********"

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":           s.cfg.GetServer(),
		"encoding":         s.cfg.GetEncoding(),
		"transfer":         s.cfg.GetTransfer(),
		"application_data": redactAppData(s.cfg.GetApplicationData()),
	})
}

// handleSetAppData replaces the application data section. Server, encoding
// and transfer settings are fixed for the life of the process and cannot be
// changed here.
func (s *Server) handleSetAppData(c *gin.Context) {
	var appData config.ApplicationData
	if err := c.ShouldBindJSON(&appData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A masked token in the body means "keep the current one".
	current := s.cfg.GetApplicationData()
	if appData.API.AuthToken == redacted {
		appData.API.AuthToken = current.API.AuthToken
	}

	candidate := &config.Config{
		Server:          s.cfg.GetServer(),
		Encoding:        s.cfg.GetEncoding(),
		Transfer:        s.cfg.GetTransfer(),
		ApplicationData: appData,
	}
	result := config.Validate(candidate)
	if !result.IsValid() {
		problems := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			problems = append(problems, e.Error())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "problems": problems})
		return
	}

	s.cfg.SetApplicationData(appData)

	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.eventBus != nil {
		s.eventBus.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: "application_data",
				Value:   appData,
			},
		})
	}

	s.logger.Info().Str("client_ip", c.ClientIP()).Int("warnings", len(result.Warnings)).Msg("API: application data updated")

	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"application_data": redactAppData(s.cfg.GetApplicationData()),
	})
}

func redactAppData(data config.ApplicationData) config.ApplicationData {
	if data.API.AuthToken != "" {
		data.API.AuthToken = redacted
	}
	return data
}
