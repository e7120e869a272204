package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LJTian/SourcePulse/internal/collector"
	"github.com/LJTian/SourcePulse/internal/logger"
	"github.com/LJTian/SourcePulse/internal/scheduler"
	"github.com/LJTian/SourcePulse/internal/storage"
)

// SourceStore 运营接口用到的存储能力
type SourceStore interface {
	ListSources(ctx context.Context) ([]storage.Source, error)
	GetSource(ctx context.Context, id uint) (*storage.Source, error)
	CreateSource(ctx context.Context, src *storage.Source) error
	UpdateSource(ctx context.Context, id uint, patch storage.SourcePatch) (*storage.Source, error)
	DeleteSource(ctx context.Context, id uint) error
	ListScanLogs(ctx context.Context, sourceID uint, limit int) ([]storage.ScanLog, error)
	ListArticles(ctx context.Context, f storage.ArticleFilter) ([]storage.Article, error)
}

// Scanner 由调度器实现
type Scanner interface {
	RunOnce(ctx context.Context) scheduler.TickSummary
	TestScan(ctx context.Context, target collector.Target) ([]collector.RawFragment, error)
	Cancel(sourceID uint) bool
}

const testScanTimeout = 2 * time.Minute

type Server struct {
	store   SourceStore
	scanner Scanner
	metrics http.Handler
	log     *zap.SugaredLogger
}

// NewServer metrics 为 nil 时不注册 /metrics
func NewServer(store SourceStore, scanner Scanner, metrics http.Handler, log *zap.SugaredLogger) *Server {
	return &Server{store: store, scanner: scanner, metrics: metrics, log: logger.OrNop(log)}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/sources", s.listSources)
		v1.POST("/sources", s.createSource)
		v1.POST("/sources/test", s.testSource)
		v1.PUT("/sources/:id", s.updateSource)
		v1.DELETE("/sources/:id", s.deleteSource)
		v1.GET("/sources/:id/scans", s.listScans)
		v1.POST("/scan", s.scanNow)
		v1.GET("/articles", s.listArticles)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    data,
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

// storeError 把存储层错误映射为 HTTP 状态
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrSourceNotFound):
		fail(c, http.StatusNotFound, "not_found", "source not found")
	case errors.Is(err, storage.ErrDuplicateSource):
		fail(c, http.StatusConflict, "duplicate", "source url already exists")
	case errors.Is(err, storage.ErrInvalidSource), errors.Is(err, collector.ErrUnsupportedKind):
		fail(c, http.StatusBadRequest, "invalid_argument", err.Error())
	default:
		s.log.Errorw("api store error", "path", c.FullPath(), "error", err)
		fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "invalid_argument", "invalid id")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) listSources(c *gin.Context) {
	list, err := s.store.ListSources(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	ok(c, http.StatusOK, list)
}

type createSourceRequest struct {
	Name           string `json:"name"`
	URL            string `json:"url" binding:"required"`
	Kind           string `json:"kind"`
	CadenceMinutes int    `json:"cadenceMinutes"`
	ResultCap      int    `json:"resultCap"`
	Active         *bool  `json:"active"`
}

func (s *Server) createSource(c *gin.Context) {
	var req createSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = string(collector.KindSite)
	}
	kind, err := collector.ParseKind(req.Kind)
	if err != nil {
		s.storeError(c, err)
		return
	}

	src := &storage.Source{
		Name:           req.Name,
		URL:            req.URL,
		Kind:           kind,
		Active:         req.Active == nil || *req.Active,
		CadenceMinutes: req.CadenceMinutes,
		ResultCap:      req.ResultCap,
	}
	if err := s.store.CreateSource(c.Request.Context(), src); err != nil {
		s.storeError(c, err)
		return
	}
	s.log.Infow("source created", "sourceId", src.ID, "url", src.URL, "kind", src.Kind)
	ok(c, http.StatusCreated, src)
}

func (s *Server) updateSource(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	var patch storage.SourcePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	src, err := s.store.UpdateSource(c.Request.Context(), id, patch)
	if err != nil {
		s.storeError(c, err)
		return
	}
	// 停用的数据源不再等待当前扫描结束
	if !src.Active {
		s.scanner.Cancel(id)
	}
	ok(c, http.StatusOK, src)
}

func (s *Server) deleteSource(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	if err := s.store.DeleteSource(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	cancelled := s.scanner.Cancel(id)
	s.log.Infow("source deleted", "sourceId", id, "scanCancelled", cancelled)
	ok(c, http.StatusOK, gin.H{"id": id, "scanCancelled": cancelled})
}

type testSourceRequest struct {
	URL       string `json:"url" binding:"required"`
	Kind      string `json:"kind"`
	ResultCap int    `json:"resultCap"`
}

// testSource 验证一个还没入库的数据源，返回抓到的原始片段
func (s *Server) testSource(c *gin.Context) {
	var req testSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = string(collector.KindSite)
	}
	kind, err := collector.ParseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if req.ResultCap <= 0 || req.ResultCap > storage.MaxResultCap {
		req.ResultCap = storage.DefaultResultCap
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), testScanTimeout)
	defer cancel()

	frags, err := s.scanner.TestScan(ctx, collector.Target{URL: req.URL, Kind: kind, ResultCap: req.ResultCap})
	if err != nil {
		s.log.Warnw("test scan failed", "url", req.URL, "kind", kind, "error", err)
		fail(c, http.StatusBadGateway, "extract_failed", err.Error())
		return
	}
	if frags == nil {
		frags = []collector.RawFragment{}
	}
	ok(c, http.StatusOK, frags)
}

func (s *Server) scanNow(c *gin.Context) {
	summary := s.scanner.RunOnce(c.Request.Context())
	if summary.Error != "" {
		fail(c, http.StatusInternalServerError, "internal_error", summary.Error)
		return
	}
	ok(c, http.StatusOK, summary)
}

func (s *Server) listScans(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := s.store.ListScanLogs(c.Request.Context(), id, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	ok(c, http.StatusOK, logs)
}

func (s *Server) listArticles(c *gin.Context) {
	var f storage.ArticleFilter
	if v := c.Query("source"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid_argument", "invalid source")
			return
		}
		f.SourceID = uint(id)
	}
	f.Sentiment = c.Query("sentiment")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	f.Limit = limit

	items, err := s.store.ListArticles(c.Request.Context(), f)
	if err != nil {
		s.storeError(c, err)
		return
	}
	ok(c, http.StatusOK, items)
}
