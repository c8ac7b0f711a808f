package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/framecast-project/framecast/internal/stats"
	"github.com/framecast-project/framecast/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// handleStatus returns the server summary with host information.
func (s *Server) handleStatus(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{
		"server":    st,
		"uptime":    st.Uptime.Round(time.Second).String(),
		"version":   util.Version,
		"system":    util.GetSystemInfo(),
		"resources": util.GetResourceUsage(),
	})
}

// handleConnections lists the connected viewers.
func (s *Server) handleConnections(c *gin.Context) {
	clients := s.ctrl.Clients()
	c.JSON(http.StatusOK, gin.H{
		"connections": clients,
		"total":       len(clients),
		"capacity":    s.ctrl.Status().Capacity,
	})
}

// windowView is one set of counters as the API presents it.
type windowView struct {
	Bytes      map[string]uint64 `json:"bytes"`
	TotalBytes uint64            `json:"total_bytes"`
	Rate       float64           `json:"bytes_per_sec"`
	RateHuman  string            `json:"rate"`
	Frames     uint64            `json:"frames"`
	FullBoxes  uint64            `json:"full_boxes"`
	EmptyBoxes uint64            `json:"empty_boxes"`
	Ratio      float64           `json:"compression_ratio"`
	RTTMillis  float64           `json:"rtt_ms"`
}

func newWindowView(c stats.Counters, window float64) windowView {
	v := windowView{
		Bytes:      c.ByCategory(),
		TotalBytes: c.Total(),
		Frames:     c.Frames,
		FullBoxes:  c.FullBoxes,
		EmptyBoxes: c.EmptyBoxes,
		Ratio:      c.Ratio(),
		RTTMillis:  float64(c.RTT.Microseconds()) / 1000,
	}
	if window > 0 {
		v.Rate = float64(v.TotalBytes) / window
		v.RateHuman = humanize.Bytes(uint64(v.Rate)) + "/s"
	}
	return v
}

// handleStats returns the last closed statistics window, per client and in
// total, plus the cumulative totals.
func (s *Server) handleStats(c *gin.Context) {
	agg := s.ctrl.Stats()
	window := agg.Window().Seconds()

	clients := make(map[string]windowView)
	for _, slot := range agg.Slots() {
		if counters, ok := agg.Last(slot); ok {
			clients[strconv.Itoa(slot)] = newWindowView(counters, window)
		}
	}

	cumulative := agg.Totals()
	c.JSON(http.StatusOK, gin.H{
		"window_sec":       window,
		"total":            newWindowView(agg.LastTotal(), window),
		"clients":          clients,
		"cumulative_bytes": cumulative.Total(),
		"cumulative":       humanize.Bytes(cumulative.Total()),
	})
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit < 1 {
		limit = defaultListLimit
	}
	return min(limit, maxListLimit)
}

// handleSessions returns the most recent viewer sessions.
func (s *Server) handleSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}
	sessions, err := s.sessions.Recent(c.Request.Context(), listLimit(c))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleStatsHistory returns recorded statistics windows, newest first.
func (s *Server) handleStatsHistory(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}
	windows, err := s.sessions.Windows(c.Request.Context(), listLimit(c))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list stats windows")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"windows": windows,
		"count":   len(windows),
	})
}

// handleLogEntries returns recent log entries.
func (s *Server) handleLogEntries(c *gin.Context) {
	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(filepath.Join(logDir, util.LogFileName), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count lines of the active log file.
// A missing file yields no entries.
func readRecentLogEntries(path string, count int) ([]logEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []logEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count - 1
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "component": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:     stringFromMap(raw, "level"),
			Component: stringFromMap(raw, "component"),
			Message:   stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}
	if len(result) > count {
		result = result[len(result)-count:]
	}
	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
