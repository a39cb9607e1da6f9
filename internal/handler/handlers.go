package handlers

import (
	"github.com/code-100-precent/LingDispatch/pkg/config"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/pipeline"
	"github.com/code-100-precent/LingDispatch/pkg/session"
	"github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers 网关处理器集合
type Handlers struct {
	store    session.Store
	bus      events.Bus
	pipe     *pipeline.Pipeline
	archiver storage.Archiver
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandlers 创建处理器集合
func NewHandlers(store session.Store, bus events.Bus, pipe *pipeline.Pipeline, archiver storage.Archiver, cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:    store,
		bus:      bus,
		pipe:     pipe,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes 注册REST与WebSocket路由
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	api := r.Group(h.cfg.APIPrefix)
	{
		api.POST("/calls", h.BeginCall)
		api.GET("/calls/:id", h.GetCall)
		api.POST("/calls/:id/terminate", h.TerminateCall)
	}
	r.GET("/ws/call/:id", h.HandleWebSocketCall)
}
