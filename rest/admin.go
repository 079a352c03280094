package rest

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// adminStatus reports process health and entity totals for operators.
func (s *Server) adminStatus(c *gin.Context) {
	var rss uint64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			rss = mem.RSS
		}
	}

	cpuPercent := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	connections, sessions := s.gw.Counts()
	users, guilds, channels, messages := s.state.Counts()

	c.JSON(http.StatusOK, gin.H{
		"uptime":      int64(time.Since(s.startedAt).Seconds()),
		"goroutines":  runtime.NumGoroutine(),
		"memory_rss":  rss,
		"cpu_percent": cpuPercent,
		"gateway": gin.H{
			"connections": connections,
			"sessions":    sessions,
		},
		"counts": gin.H{
			"users":    users,
			"guilds":   guilds,
			"channels": channels,
			"messages": messages,
		},
	})
}
