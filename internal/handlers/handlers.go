package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/face-id/internal/auth"
	"github.com/example/face-id/internal/imageprocessor"
	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/matcher"
	"github.com/example/face-id/internal/repository"
	"github.com/example/face-id/internal/usecase"
)

// MaxUploadSize bounds the decoded image size accepted by /recognize.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form boundaries and headers.
const multipartOverhead = 512 << 10

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// RecognitionService is the use case surface the HTTP API depends on.
type RecognitionService interface {
	Recognize(ctx context.Context, operatorID string, image []byte) (string, []usecase.FaceResult, error)
	GetResult(ctx context.Context, operatorID, requestID string) (*usecase.Recognition, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	CreatePerson(ctx context.Context, name, surname string) (*repository.Person, error)
	GetPerson(ctx context.Context, personID int64) (*repository.Person, error)
	EnrollBatch(ctx context.Context, personID int64, vectors [][]float32) ([]repository.FaceEmbedding, error)
}

type recognizeRequest struct {
	Image string `json:"image" binding:"required"`
}

type createPersonRequest struct {
	Name    string `json:"name" binding:"required"`
	Surname string `json:"surname" binding:"required"`
}

type enrollRequest struct {
	Embedding  []float32   `json:"embedding"`
	Embeddings [][]float32 `json:"embeddings"`
}

type handler struct {
	svc    RecognitionService
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc RecognitionService, authMiddleware gin.HandlerFunc, limiter *RateLimiter, logger *zap.Logger) {
	h := &handler{svc: svc, logger: logger.Named("handlers")}
	router.Use(RequestMetrics())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", authMiddleware)
	recognize := []gin.HandlerFunc{h.recognize}
	if limiter != nil {
		recognize = append([]gin.HandlerFunc{limiter.Middleware()}, recognize...)
	}
	api.POST("/recognize", recognize...)
	api.GET("/result/:id", h.getResult)
	api.GET("/metrics/summary", h.metricsSummary)

	persons := api.Group("/persons", auth.RequireScope(auth.ScopeEnroll))
	persons.POST("", h.createPerson)
	persons.GET("/:id", h.getPerson)
	persons.POST("/:id/faces", h.enrollFaces)
}

func (h *handler) recognize(c *gin.Context) {
	operatorID, ok := auth.GetOperatorID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var (
		image  []byte
		status int
		err    error
	)
	if c.ContentType() == gin.MIMEJSON {
		image, status, err = readJSONImage(c)
	} else {
		image, status, err = readMultipartImage(c)
	}
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	requestID, faces, err := h.svc.Recognize(c.Request.Context(), operatorID, image)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("X-Request-ID", requestID)
	c.JSON(http.StatusOK, faces)
}

func readJSONImage(c *gin.Context) ([]byte, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(base64.StdEncoding.EncodedLen(MaxUploadSize)+multipartOverhead))

	var req recognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
		}
		return nil, http.StatusBadRequest, errors.New("image is required")
	}

	encoded := req.Image
	if i := strings.Index(encoded, ";base64,"); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+len(";base64,"):]
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("image is not valid base64")
	}
	if len(image) > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
	}
	if !allowedContentTypes[http.DetectContentType(image)] {
		return nil, http.StatusUnsupportedMediaType, errors.New("unsupported image type")
	}
	return image, http.StatusOK, nil
}

func readMultipartImage(c *gin.Context) ([]byte, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
		}
		return nil, http.StatusBadRequest, errors.New("image file is required")
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image")
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !allowedContentTypes[contentType] {
		return nil, http.StatusUnsupportedMediaType, errors.New("unsupported image type")
	}
	return data, http.StatusOK, nil
}

func (h *handler) getResult(c *gin.Context) {
	operatorID, ok := auth.GetOperatorID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	result, err := h.svc.GetResult(c.Request.Context(), operatorID, requestID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) createPerson(c *gin.Context) {
	var req createPersonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and surname are required"})
		return
	}

	person, err := h.svc.CreatePerson(c.Request.Context(), req.Name, req.Surname)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, personResponse(person))
}

func (h *handler) getPerson(c *gin.Context) {
	personID, ok := parsePersonID(c)
	if !ok {
		return
	}

	person, err := h.svc.GetPerson(c.Request.Context(), personID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, personResponse(person))
}

func (h *handler) enrollFaces(c *gin.Context) {
	personID, ok := parsePersonID(c)
	if !ok {
		return
	}

	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	vectors := req.Embeddings
	if len(req.Embedding) > 0 {
		vectors = append([][]float32{req.Embedding}, vectors...)
	}
	if len(vectors) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "embedding is required"})
		return
	}

	faces, err := h.svc.EnrollBatch(c.Request.Context(), personID, vectors)
	if err != nil {
		// A wrong length on enrollment is the caller's mistake, not corrupted data.
		if errors.Is(err, matcher.ErrDimensionMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}

	ids := make([]int64, len(faces))
	for i, f := range faces {
		ids[i] = f.ID
	}
	c.JSON(http.StatusCreated, gin.H{"person_id": personID, "face_ids": ids})
}

func parsePersonID(c *gin.Context) (int64, bool) {
	personID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || personID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid person id"})
		return 0, false
	}
	return personID, true
}

func personResponse(p *repository.Person) gin.H {
	return gin.H{
		"id":         p.ID,
		"name":       p.Name,
		"surname":    p.Surname,
		"created_at": p.CreatedAt,
	}
}

// writeError maps use case errors onto HTTP status codes.
func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrResultPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, usecase.ErrInvalidInput),
		errors.Is(err, matcher.ErrEmptyVector),
		errors.Is(err, matcher.ErrNonFinite):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrPersonNotFound), errors.Is(err, usecase.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, imageprocessor.ErrPipelineUnavailable):
		h.logger.Warn("face pipeline unavailable", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "face pipeline unavailable"})
	case errors.Is(err, matcher.ErrDimensionMismatch):
		h.logger.Error("enrolled data is inconsistent",
			zap.Error(err), zap.String("operation", logging.OperationOf(err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		h.logger.Error("request failed",
			zap.Error(err), zap.String("operation", logging.OperationOf(err)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
