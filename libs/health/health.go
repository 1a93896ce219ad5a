package health

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Manager tracks readiness. A degraded service is still ready but reports
// that some dependency is being served by a fallback.
type Manager struct {
	ready    atomic.Bool
	degraded atomic.Bool
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) SetDegraded(degraded bool) {
	m.degraded.Store(degraded)
}

func (m *Manager) IsDegraded() bool {
	return m.degraded.Load()
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case !m.IsReady():
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		case m.IsDegraded():
			c.JSON(http.StatusOK, gin.H{"status": "degraded"})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		}
	}
}
