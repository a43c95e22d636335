package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/jroosing/acnetd/internal/server"
)

// handleHealth reports liveness plus host and instance identity.
func (s *Server) handleHealth(c *gin.Context) {
	uptime, _ := host.Uptime()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance":    s.daemon.InstanceID(),
		"host_uptime": time.Duration(uptime) * time.Second,
		"time":        time.Now().UTC(),
	})
}

// handleStats returns the per-virtual-node statistics snapshot.
func (s *Server) handleStats(c *gin.Context) {
	var pools []server.PoolSnapshot
	s.daemon.Call(func() { pools = s.daemon.SnapshotPools() })
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

// handleTasks returns the attached-task snapshot.
func (s *Server) handleTasks(c *gin.Context) {
	var tasks []server.TaskSnapshot
	s.daemon.Call(func() { tasks = s.daemon.SnapshotTasks() })
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// handleNodes returns the addressing table snapshot.
func (s *Server) handleNodes(c *gin.Context) {
	var nodes []server.NodeSnapshot
	s.daemon.Call(func() { nodes = s.daemon.SnapshotNodes() })
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// handleReport renders the HTML diagnostic report for the default node.
func (s *Server) handleReport(c *gin.Context) {
	var data server.ReportData
	s.daemon.Call(func() { data = s.daemon.BuildReport(s.daemon.DefaultPool()) })

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := server.RenderReport(c.Writer, data); err != nil {
		s.logger.Error("report rendering failed", "err", err)
	}
}
