package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"polymarket-copytrader/middleware"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SnapshotSource serves the latest position snapshot.
type SnapshotSource interface {
	Latest() *models.PositionSnapshot
}

// Sweeper runs one status sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (syncer.SweepReport, error)
}

// Handler handles HTTP requests
type Handler struct {
	trader    syncer.TradeProcessor
	snapshots SnapshotSource
	sweeper   Sweeper
	store     storage.Store
	logger    *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(trader syncer.TradeProcessor, snapshots SnapshotSource, sweeper Sweeper, store storage.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		trader:    trader,
		snapshots: snapshots,
		sweeper:   sweeper,
		store:     store,
		logger:    logger.Named("http"),
	}
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(h.logger))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api", middleware.BasicAuth())
	api.POST("/trades", h.IngestTrade)
	api.GET("/positions", h.GetPositions)
	api.POST("/sweep", h.RunSweep)

	configs := api.Group("/configs/:id", middleware.ValidateConfigID(), middleware.ValidateQueryParams())
	configs.GET("/sell-records", h.GetSellRecords)
	configs.GET("/failed-trades", h.GetFailedTrades)
	return r
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// IngestTrade runs a normalized leader trade through the copy pipeline.
func (h *Handler) IngestTrade(c *gin.Context) {
	var trade models.Trade
	if err := c.ShouldBindJSON(&trade); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade payload: " + err.Error()})
		return
	}
	if trade.LeaderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leader_id required"})
		return
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now().UTC()
	}

	res, err := h.trader.ProcessTrade(c.Request.Context(), trade.LeaderID, trade, models.SourceAPI)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "result": res})
	default:
		h.logger.Error("ingest trade", zap.String("trade_id", trade.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process trade", "result": res})
	}
}

// GetPositions returns the latest position snapshot.
func (h *Handler) GetPositions(c *gin.Context) {
	snap := h.snapshots.Latest()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RunSweep runs one status sweep and returns its report.
func (h *Handler) RunSweep(c *gin.Context) {
	report, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Warn("manual sweep", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetSellRecords lists a config's FIFO match records.
func (h *Handler) GetSellRecords(c *gin.Context) {
	id := c.GetInt64("configID")
	records, err := h.store.ListSellRecords(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sell records"})
		return
	}
	records = limitSlice(records, c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// GetFailedTrades lists a config's audit rows.
func (h *Handler) GetFailedTrades(c *gin.Context) {
	id := c.GetInt64("configID")
	rows, err := h.store.ListFailedTrades(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load failed trades"})
		return
	}
	rows = limitSlice(rows, c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{
		"failed_trades": rows,
		"count":         len(rows),
	})
}

func limitSlice[T any](rows []T, limitStr string) []T {
	if limitStr == "" {
		return rows
	}
	if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < len(rows) {
		return rows[:l]
	}
	return rows
}
