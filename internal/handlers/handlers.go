package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/fusion"
	"github.com/example/lesion-triage/internal/lesion"
	"github.com/example/lesion-triage/internal/repository"
	"github.com/example/lesion-triage/internal/usecase"
)

// MaxUploadSize is the largest accepted image, in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form fields and boundaries around the image part.
const multipartOverhead = 1 << 20

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/webp": true,
}

// AnalysisService is the use case surface the HTTP layer drives.
type AnalysisService interface {
	Analyze(ctx context.Context, caller auth.Caller, req usecase.AnalyzeRequest) (*usecase.Outcome, error)
	GetAnalysis(ctx context.Context, caller auth.Caller, id string) (*repository.AnalysisRecord, error)
	ListHistory(ctx context.Context, caller auth.Caller, query usecase.HistoryQuery) ([]*repository.AnalysisRecord, error)
	GetStats(ctx context.Context, caller auth.Caller) (*usecase.Stats, error)
	ExportCSV(ctx context.Context, caller auth.Caller, query usecase.HistoryQuery, w io.Writer) error
}

// ModelService inspects and reloads the aggregator model.
type ModelService interface {
	Info() (*usecase.ModelInfo, error)
	Reload() (*usecase.ModelInfo, error)
}

// Option customises RegisterRoutes.
type Option func(*handler)

// WithModelService enables the clinician-only /admin/model routes.
func WithModelService(models ModelService) Option {
	return func(h *handler) { h.models = models }
}

// WithRateLimiter throttles POST /analyze per caller.
func WithRateLimiter(limiter *CallerLimiter) Option {
	return func(h *handler) { h.limiter = limiter }
}

// WithLogger sets the logger used for failed requests.
func WithLogger(logger *zap.Logger) Option {
	return func(h *handler) { h.logger = logger.Named("http") }
}

type handler struct {
	svc     AnalysisService
	models  ModelService
	limiter *CallerLimiter
	logger  *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc AnalysisService, authMiddleware gin.HandlerFunc, opts ...Option) {
	h := &handler{svc: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)

	analyze := []gin.HandlerFunc{}
	if h.limiter != nil {
		analyze = append(analyze, h.limiter.Middleware())
	}
	api.POST("/analyze", append(analyze, h.analyze)...)

	api.GET("/analyses", h.listHistory)
	api.GET("/analyses/stats", h.stats)
	api.GET("/analyses/export", h.export)
	api.GET("/analyses/:id", h.getAnalysis)

	if h.models != nil {
		admin := api.Group("/admin", auth.RequireClinician())
		admin.GET("/model", h.modelInfo)
		admin.POST("/model/reload", h.reloadModel)
	}
}

func (h *handler) analyze(c *gin.Context) {
	caller, ok := auth.GetCaller(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds 10 MiB"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds 10 MiB"})
		return
	}
	if !allowedImageTypes[mediaType(file.Header.Get("Content-Type"))] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return
	}

	data, err := readUpload(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read image"})
		return
	}
	if !allowedImageTypes[mediaType(http.DetectContentType(data))] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file content is not a supported image"})
		return
	}

	meta, err := parseMetadata(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.svc.Analyze(c.Request.Context(), caller, usecase.AnalyzeRequest{
		Image:       data,
		PatientName: strings.TrimSpace(c.PostForm("patient_name")),
		Metadata:    meta,
	})
	if err != nil {
		h.fail(c, caller, err)
		return
	}

	if outcome.State == usecase.StateRejected {
		c.JSON(http.StatusUnprocessableEntity, rejectedResponse(outcome))
		return
	}
	c.JSON(http.StatusOK, reportedResponse(outcome))
}

func (h *handler) getAnalysis(c *gin.Context) {
	caller, ok := auth.GetCaller(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	record, err := h.svc.GetAnalysis(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		h.fail(c, caller, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *handler) listHistory(c *gin.Context) {
	caller, ok := auth.GetCaller(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	query, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.svc.ListHistory(c.Request.Context(), caller, query)
	if err != nil {
		h.fail(c, caller, err)
		return
	}
	if records == nil {
		records = []*repository.AnalysisRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"analyses": records, "count": len(records)})
}

func (h *handler) stats(c *gin.Context) {
	caller, ok := auth.GetCaller(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	stats, err := h.svc.GetStats(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, caller, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) export(c *gin.Context) {
	caller, ok := auth.GetCaller(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	query, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var buf strings.Builder
	if err := h.svc.ExportCSV(c.Request.Context(), caller, query, &buf); err != nil {
		h.fail(c, caller, err)
		return
	}
	filename := "analyses_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(buf.String()))
}

func (h *handler) modelInfo(c *gin.Context) {
	caller, _ := auth.GetCaller(c.Request.Context())
	info, err := h.models.Info()
	if err != nil {
		h.fail(c, caller, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handler) reloadModel(c *gin.Context) {
	caller, _ := auth.GetCaller(c.Request.Context())
	info, err := h.models.Reload()
	if err != nil {
		h.fail(c, caller, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "model": info})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
}

func mediaType(value string) string {
	mt, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// parseMetadata returns nil when no metadata field was supplied.
func parseMetadata(c *gin.Context) (*lesion.PatientMetadata, error) {
	rawAge := strings.TrimSpace(c.PostForm("age"))
	rawGender := strings.TrimSpace(c.PostForm("gender"))
	location := strings.TrimSpace(c.PostForm("location"))
	if rawAge == "" && rawGender == "" && location == "" {
		return nil, nil
	}

	meta := &lesion.PatientMetadata{Age: fusion.DefaultAge, Gender: lesion.ParseGender(rawGender), Location: location}
	if rawAge != "" {
		age, err := strconv.Atoi(rawAge)
		if err != nil || age < 0 || age > fusion.MaxAge {
			return nil, errors.New("age must be an integer between 0 and 150")
		}
		meta.Age = age
	}
	return meta, nil
}

func parseHistoryQuery(c *gin.Context) (usecase.HistoryQuery, error) {
	query := usecase.HistoryQuery{
		Search:    strings.TrimSpace(c.Query("search")),
		Diagnosis: strings.TrimSpace(c.Query("diagnosis")),
		PatientID: strings.TrimSpace(c.Query("patient_id")),
	}
	var err error
	if query.Start, err = parseDate(c.Query("start")); err != nil {
		return query, errors.New("start must be RFC3339 or YYYY-MM-DD")
	}
	if query.End, err = parseDate(c.Query("end")); err != nil {
		return query, errors.New("end must be RFC3339 or YYYY-MM-DD")
	}
	return query, nil
}

func parseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
