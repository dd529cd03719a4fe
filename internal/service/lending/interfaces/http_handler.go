package interfaces

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"circulation/internal/pkg/logger"
	"circulation/internal/service/lending/application"
	"circulation/internal/service/lending/domain"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HeaderUserID 由网关在鉴权后写入，本服务信任它作为当前用户
const HeaderUserID = "X-User-ID"

// LendingHandler 封装了借阅服务的 HTTP 处理器
type LendingHandler struct {
	service *application.LendingCoordinator
	timeout time.Duration
	tracer  trace.Tracer
}

// NewLendingHandler 创建一个新的 HTTP 处理器实例，timeout 为单个请求的处理上限
func NewLendingHandler(service *application.LendingCoordinator, timeout time.Duration) *LendingHandler {
	return &LendingHandler{
		service: service,
		timeout: timeout,
		tracer:  otel.Tracer("lending-http"),
	}
}

// NewRouter 组装 gin 引擎：中间件、业务路由、/healthz 和 /metrics
func NewRouter(h *LendingHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.traceMiddleware(), h.timeoutMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.RegisterRoutes(r.Group("/api"))
	return r
}

// RegisterRoutes 注册所有业务路由
func (h *LendingHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/titles", h.handleRegisterTitle)
	api.GET("/titles/:id", h.handleGetTitle)
	api.POST("/titles/:id/borrow", h.handleBorrow)
	api.PUT("/loans/:id/return", h.handleReturn)
	api.GET("/loans", h.handleListLoans)
	api.GET("/users/:id/loans", h.handleListUserLoans)
}

type registerTitleRequest struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Author      string `json:"author"`
	ISBN        string `json:"isbn"`
	TotalCopies int    `json:"totalCopies" binding:"min=0"`
}

func (h *LendingHandler) handleRegisterTitle(c *gin.Context) {
	var req registerTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	title := &domain.Title{
		ID:              req.ID,
		Name:            req.Name,
		Author:          req.Author,
		ISBN:            req.ISBN,
		TotalCopies:     req.TotalCopies,
		AvailableCopies: req.TotalCopies,
		Status:          domain.TitleStatusActive,
	}
	if err := h.service.RegisterTitle(c.Request.Context(), title); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, title)
}

func (h *LendingHandler) handleGetTitle(c *gin.Context) {
	title, err := h.service.GetTitle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, title)
}

func (h *LendingHandler) handleBorrow(c *gin.Context) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID + " header"})
		return
	}
	loan, err := h.service.Borrow(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

func (h *LendingHandler) handleReturn(c *gin.Context) {
	loan, err := h.service.ReturnLoan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *LendingHandler) handleListLoans(c *gin.Context) {
	filter := domain.LoanFilter{
		UserID:  c.Query("user_id"),
		TitleID: c.Query("title_id"),
		Status:  domain.LoanStatus(c.Query("status")),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	if !validStatusFilter(filter.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	loans, err := h.service.ListLoans(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

func (h *LendingHandler) handleListUserLoans(c *gin.Context) {
	loans, err := h.service.ListUserLoans(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

// writeError 根据错误类型返回不同的 HTTP 状态码
func (h *LendingHandler) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": domain.ErrorKind(err)})
}

// StatusFor 把领域错误映射为 HTTP 状态码
func StatusFor(err error) int {
	switch domain.ErrorKind(err) {
	case "ok":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "ineligible":
		return http.StatusForbidden // 客户端请求有效，但服务器拒绝执行
	case "unavailable", "duplicate_active_loan", "insufficient_stock", "invalid_state", "already_exists":
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *LendingHandler) traceMiddleware() gin.HandlerFunc {
	propagator := otel.GetTextMapPropagator()
	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := h.tracer.Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
		)
	}
}

func (h *LendingHandler) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func validStatusFilter(s domain.LoanStatus) bool {
	switch s {
	case "", domain.LoanStatusActive, domain.LoanStatusReturned, domain.LoanStatusOverdue,
		domain.LoanStatusLost, domain.LoanStatusDamaged:
		return true
	}
	return false
}
