package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fiyattakibi/internal/api/middleware"
	"fiyattakibi/internal/competitor"
	"fiyattakibi/internal/model"
	"fiyattakibi/internal/tracker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Server 封装命令接口的路由与依赖。
type Server struct {
	logger    *slog.Logger
	router    *gin.Engine
	tracker   Tracker
	events    Events
	rdb       redis.Cmdable
	jwtSecret string
}

// Tracker 命令接口所需的编排器能力。
type Tracker interface {
	StartFullUpdate(ctx context.Context) error
	TogglePause() bool
	Stop() bool
	Reset() error
	Status() model.UpdateState

	AddProduct(ctx context.Context, rawURL string) (model.TrackedProduct, error)
	RemoveProduct(ctx context.Context, id string) error
	Products(ctx context.Context) ([]model.TrackedProduct, error)
	SetGroup(ctx context.Context, id string, group model.Group) (model.TrackedProduct, error)
	ConfirmChanges(ctx context.Context) (int, error)
	History(ctx context.Context, id string) (tracker.HistoryView, error)

	Settings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error

	SearchAndScrapeCompetitor(ctx context.Context, name string, priority bool) (competitor.Result, error)
	ScrapeCompetitorByURL(ctx context.Context, url string) (competitor.Result, error)
	AttachCompetitor(ctx context.Context, id, url string) (competitor.Result, error)
}

// Events 进度快照的订阅源。
type Events interface {
	Subscribe() (<-chan model.UpdateState, func())
}

// NewServer 初始化 gin 路由。rdb 仅用于健康检查，可为 nil。
func NewServer(logger *slog.Logger, t Tracker, events Events, rdb redis.Cmdable, jwtSecret string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		logger:    logger,
		router:    r,
		tracker:   t,
		events:    events,
		rdb:       rdb,
		jwtSecret: jwtSecret,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.Use(middleware.AuthMiddleware(s.jwtSecret))

	api.POST("/update/start", s.handleStartUpdate)
	api.POST("/update/pause", s.handleTogglePause)
	api.POST("/update/stop", s.handleStopUpdate)
	api.POST("/update/reset", s.handleResetUpdate)
	api.GET("/update/status", s.handleUpdateStatus)
	api.GET("/update/events", s.handleUpdateEvents)

	api.POST("/competitor/search", s.handleCompetitorSearch)
	api.POST("/competitor/scrape", s.handleCompetitorScrape)

	api.GET("/products", s.handleListProducts)
	api.POST("/products", s.handleAddProduct)
	api.POST("/products/confirm", s.handleConfirmChanges)
	api.DELETE("/products/:id", s.handleRemoveProduct)
	api.PATCH("/products/:id/group", s.handleSetGroup)
	api.GET("/products/:id/history", s.handleHistory)

	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.rdb == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ==================== 全量更新 ====================

func (s *Server) handleStartUpdate(c *gin.Context) {
	if err := s.tracker.StartFullUpdate(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.tracker.Status())
}

func (s *Server) handleTogglePause(c *gin.Context) {
	paused := s.tracker.TogglePause()
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

func (s *Server) handleStopUpdate(c *gin.Context) {
	stopped := s.tracker.Stop()
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (s *Server) handleResetUpdate(c *gin.Context) {
	if err := s.tracker.Reset(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.tracker.Status())
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Status())
}

// handleUpdateEvents 以 SSE 推送进度快照，连接建立时先推送最近一次快照。
func (s *Server) handleUpdateEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "events disabled"})
		return
	}
	ch, cancel := s.events.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("state", st)
			return true
		}
	})
}

// ==================== 比价站 ====================

type competitorSearchRequest struct {
	Name     string `json:"name" binding:"required"`
	Priority bool   `json:"priority"`
}

type competitorScrapeRequest struct {
	URL       string `json:"url" binding:"required"`
	ProductID string `json:"productId"` // 非空时把结果合并到该商品
}

type competitorResponse struct {
	URL          string             `json:"url"`
	CurrentPrice float64            `json:"currentPrice"`
	Strategy     string             `json:"strategy"`
	Partial      bool               `json:"partial"`
	Points       []model.PricePoint `json:"points"`
}

func toCompetitorResponse(res competitor.Result) competitorResponse {
	points := res.Points
	if points == nil {
		points = []model.PricePoint{}
	}
	return competitorResponse{
		URL:          res.URL,
		CurrentPrice: res.CurrentPrice,
		Strategy:     string(res.Strategy),
		Partial:      res.Partial,
		Points:       points,
	}
}

func (s *Server) handleCompetitorSearch(c *gin.Context) {
	var req competitorSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is empty"})
		return
	}
	res, err := s.tracker.SearchAndScrapeCompetitor(c.Request.Context(), name, req.Priority)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCompetitorResponse(res))
}

func (s *Server) handleCompetitorScrape(c *gin.Context) {
	var req competitorScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		res competitor.Result
		err error
	)
	if req.ProductID != "" {
		res, err = s.tracker.AttachCompetitor(c.Request.Context(), req.ProductID, req.URL)
	} else {
		res, err = s.tracker.ScrapeCompetitorByURL(c.Request.Context(), req.URL)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCompetitorResponse(res))
}

// ==================== 商品 ====================

type addProductRequest struct {
	URL string `json:"url" binding:"required"`
}

type setGroupRequest struct {
	Group model.Group `json:"group"`
}

func (s *Server) handleListProducts(c *gin.Context) {
	products, err := s.tracker.Products(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if group := c.Query("group"); group != "" {
		filtered := products[:0]
		for _, p := range products {
			if string(p.Group) == group {
				filtered = append(filtered, p)
			}
		}
		products = filtered
	}
	if products == nil {
		products = []model.TrackedProduct{}
	}
	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}

func (s *Server) handleAddProduct(c *gin.Context) {
	var req addProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tp, err := s.tracker.AddProduct(c.Request.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tp)
}

func (s *Server) handleRemoveProduct(c *gin.Context) {
	if err := s.tracker.RemoveProduct(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetGroup(c *gin.Context) {
	var req setGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tp, err := s.tracker.SetGroup(c.Request.Context(), c.Param("id"), req.Group)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tp)
}

func (s *Server) handleConfirmChanges(c *gin.Context) {
	n, err := s.tracker.ConfirmChanges(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmed": n})
}

func (s *Server) handleHistory(c *gin.Context) {
	view, err := s.tracker.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if view.Points == nil {
		view.Points = []model.PricePoint{}
	}
	c.JSON(http.StatusOK, view)
}

// ==================== 设置 ====================

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.tracker.Settings(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	// 未提交的字段保留当前值
	settings, err := s.tracker.Settings(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := settings.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.tracker.SaveSettings(c.Request.Context(), settings); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// writeError 把领域错误映射为 HTTP 状态码。
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrDuplicate), errors.Is(err, model.ErrAlreadyRunning), errors.Is(err, model.ErrResetRequired):
		status = http.StatusConflict
	case errors.Is(err, model.ErrCapacity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnsupportedURL), errors.Is(err, model.ErrInvalidLimit),
		errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, model.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrNetwork), errors.Is(err, model.ErrParse),
		errors.Is(err, model.ErrAntiBot), errors.Is(err, model.ErrNavigation),
		errors.Is(err, model.ErrInjection):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": model.ErrorLabel(err)})
}
