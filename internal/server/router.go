package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/aggregate"
	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/MarcoPoloResearchLab/daystats/internal/timefmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxWindowDays = 366
	dateLayout    = "2006-01-02"
)

var (
	errMissingRollupService = errors.New("rollup service dependency required")
	errMissingStore         = errors.New("store reader dependency required")
)

// RollupService answers the read-side questions about aggregated days.
type RollupService interface {
	RollupsFor(ctx context.Context, groupBy aggregate.GroupBy, since time.Time) ([]aggregate.Rollup, error)
	TrailingWindowStart(days int) time.Time
	Watermark(ctx context.Context) (time.Time, bool, error)
}

// StoreReader exposes the stored rows the API reports on directly.
type StoreReader interface {
	DimensionNames(ctx context.Context) (map[string]string, error)
	AggregatesOn(ctx context.Context, forDate string) ([]store.AggregateRow, error)
	CountEvents(ctx context.Context) (int64, error)
	CountAggregates(ctx context.Context) (int64, error)
}

type Dependencies struct {
	Rollups      RollupService
	Store        StoreReader
	ArtifactsDir string
	Logger       *zap.Logger
}

// NewHTTPHandler builds the read-only API. Nothing behind it writes to the store.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rollups == nil {
		return nil, errMissingRollupService
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		rollups: deps.Rollups,
		store:   deps.Store,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/rollups", handler.handleRollups)
	router.GET("/watermark", handler.handleWatermark)
	router.GET("/dimensions", handler.handleDimensions)
	router.GET("/aggregates", handler.handleAggregates)
	router.GET("/stats", handler.handleStats)
	if strings.TrimSpace(deps.ArtifactsDir) != "" {
		router.Static("/artifacts", deps.ArtifactsDir)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	rollups RollupService
	store   StoreReader
	logger  *zap.Logger
}

type rollupPayload struct {
	Group   string `json:"group"`
	Count   int64  `json:"count"`
	ForDate string `json:"for_date"`
}

type rollupsResponsePayload struct {
	GroupBy string          `json:"group_by"`
	Since   string          `json:"since"`
	Rollups []rollupPayload `json:"rollups"`
}

type watermarkResponsePayload struct {
	Watermark *string `json:"watermark"`
}

type dimensionPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type dimensionsResponsePayload struct {
	Dimensions []dimensionPayload `json:"dimensions"`
}

type aggregatePayload struct {
	Group    string  `json:"group"`
	Category *string `json:"category"`
	Count    int64   `json:"count"`
}

type aggregatesResponsePayload struct {
	ForDate    string             `json:"for_date"`
	Aggregates []aggregatePayload `json:"aggregates"`
}

type statsResponsePayload struct {
	Events     int64 `json:"events"`
	Aggregates int64 `json:"aggregates"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRollups(c *gin.Context) {
	groupBy, err := aggregate.ParseGroupBy(c.DefaultQuery("group_by", string(aggregate.GroupByChannel)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_group_by"})
		return
	}
	days := aggregate.DefaultWindowDays
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxWindowDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_days"})
			return
		}
		days = parsed
	}

	since := h.rollups.TrailingWindowStart(days)
	rollups, err := h.rollups.RollupsFor(c.Request.Context(), groupBy, since)
	if err != nil {
		h.logger.Error("failed to load rollups", zap.String("group_by", string(groupBy)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rollups_failed"})
		return
	}

	response := rollupsResponsePayload{
		GroupBy: string(groupBy),
		Since:   since.Format(timefmt.Layout),
		Rollups: make([]rollupPayload, 0, len(rollups)),
	}
	for _, rollup := range rollups {
		response.Rollups = append(response.Rollups, rollupPayload{
			Group:   rollup.Group,
			Count:   rollup.Count,
			ForDate: rollup.ForDate,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleWatermark(c *gin.Context) {
	watermark, found, err := h.rollups.Watermark(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load watermark", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "watermark_failed"})
		return
	}
	response := watermarkResponsePayload{}
	if found {
		formatted := watermark.Format(timefmt.Layout)
		response.Watermark = &formatted
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDimensions(c *gin.Context) {
	names, err := h.store.DimensionNames(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load dimensions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dimensions_failed"})
		return
	}
	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	response := dimensionsResponsePayload{Dimensions: make([]dimensionPayload, 0, len(ids))}
	for _, id := range ids {
		response.Dimensions = append(response.Dimensions, dimensionPayload{ID: id, DisplayName: names[id]})
	}
	c.JSON(http.StatusOK, response)
}

// handleAggregates returns the raw rows of one aggregated day, ordered by group.
func (h *httpHandler) handleAggregates(c *gin.Context) {
	day, err := time.Parse(dateLayout, strings.TrimSpace(c.Query("date")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	forDate := day.Format(timefmt.Layout)
	rows, err := h.store.AggregatesOn(c.Request.Context(), forDate)
	if err != nil {
		h.logger.Error("failed to load aggregates", zap.String("for_date", forDate), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "aggregates_failed"})
		return
	}
	response := aggregatesResponsePayload{ForDate: forDate, Aggregates: make([]aggregatePayload, 0, len(rows))}
	for _, row := range rows {
		response.Aggregates = append(response.Aggregates, aggregatePayload{
			Group:    row.GroupKey,
			Category: row.Category,
			Count:    row.Count,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	events, err := h.store.CountEvents(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	aggregates, err := h.store.CountAggregates(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count aggregates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, statsResponsePayload{Events: events, Aggregates: aggregates})
}
