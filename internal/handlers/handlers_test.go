package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/example/face-id/internal/auth"
	"github.com/example/face-id/internal/imageprocessor"
	"github.com/example/face-id/internal/logging"
	"github.com/example/face-id/internal/matcher"
	"github.com/example/face-id/internal/repository"
	"github.com/example/face-id/internal/usecase"
)

const testJWTSecret = "test-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubService struct {
	recognizeErr   error
	faces          []usecase.FaceResult
	recognizeCalls int
	lastOperator   string
	result         *usecase.Recognition
	resultErr      error
	enrollErr      error
	enrolled       [][]float32
}

func (s *stubService) Recognize(ctx context.Context, operatorID string, image []byte) (string, []usecase.FaceResult, error) {
	s.recognizeCalls++
	s.lastOperator = operatorID
	if s.recognizeErr != nil {
		return "", nil, s.recognizeErr
	}
	return "req-1", s.faces, nil
}

func (s *stubService) GetResult(ctx context.Context, operatorID, requestID string) (*usecase.Recognition, error) {
	if s.resultErr != nil {
		return nil, s.resultErr
	}
	return s.result, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 3}, nil
}

func (s *stubService) CreatePerson(ctx context.Context, name, surname string) (*repository.Person, error) {
	return &repository.Person{ID: 11, Name: name, Surname: surname}, nil
}

func (s *stubService) GetPerson(ctx context.Context, personID int64) (*repository.Person, error) {
	if personID != 11 {
		return nil, logging.NewOperationError("usecase.lookup_person", "", usecase.ErrPersonNotFound)
	}
	return &repository.Person{ID: 11, Name: "Alice", Surname: "Smith"}, nil
}

func (s *stubService) EnrollBatch(ctx context.Context, personID int64, vectors [][]float32) ([]repository.FaceEmbedding, error) {
	if s.enrollErr != nil {
		return nil, s.enrollErr
	}
	s.enrolled = vectors
	faces := make([]repository.FaceEmbedding, len(vectors))
	for i, v := range vectors {
		faces[i] = repository.FaceEmbedding{ID: int64(i + 1), PersonID: personID, Features: pgvector.NewVector(v)}
	}
	return faces, nil
}

func newTestRouter(svc RecognitionService, limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), limiter, zap.NewNop())
	return router
}

func TestRecognizeRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)

	token := buildTestToken(t, "operator-123", "")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/recognize", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestRecognizeRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)

	token := buildTestToken(t, "operator-123", "")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/recognize", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestRecognizeMultipartUpload(t *testing.T) {
	svc := &stubService{faces: []usecase.FaceResult{}}
	router := newTestRouter(svc, nil)

	body, contentType := buildMultipartBody(t, "image/png", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/recognize", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator-123", ""))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if svc.lastOperator != "operator-123" {
		t.Fatalf("expected operator from token, got %q", svc.lastOperator)
	}
}

func TestRecognizeJSONReturnsFaceList(t *testing.T) {
	id := int64(1)
	distance := 0.01
	svc := &stubService{faces: []usecase.FaceResult{
		{BBox: imageprocessor.BoundingBox{1, 2, 3, 4}, PersonID: &id, Name: "Alice", Surname: "Smith", Distance: &distance},
		{BBox: imageprocessor.BoundingBox{5, 6, 7, 8}, Name: usecase.UnknownPlaceholder, Surname: usecase.UnknownPlaceholder},
	}}
	router := newTestRouter(svc, nil)

	resp := postJSON(t, router, "/recognize", buildTestToken(t, "operator-123", ""),
		fmt.Sprintf(`{"image":%q}`, base64.StdEncoding.EncodeToString(pngHeader)))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("expected request id header, got %q", resp.Header().Get("X-Request-ID"))
	}

	var body []map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(body))
	}
	if body[0]["id"] != float64(1) || body[0]["name"] != "Alice" {
		t.Fatalf("unexpected first face %v", body[0])
	}
	if body[1]["id"] != nil || body[1]["name"] != "-" || body[1]["surname"] != "-" {
		t.Fatalf("expected unknown face with placeholders, got %v", body[1])
	}
	bbox, ok := body[1]["bbox"].([]interface{})
	if !ok || len(bbox) != 4 || bbox[0] != float64(5) {
		t.Fatalf("expected bbox list, got %v", body[1]["bbox"])
	}
}

func TestRecognizeJSONValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "missing image", body: `{}`, status: http.StatusBadRequest},
		{name: "invalid base64", body: `{"image":"***"}`, status: http.StatusBadRequest},
		{name: "not an image", body: fmt.Sprintf(`{"image":%q}`, base64.StdEncoding.EncodeToString([]byte("plain text"))), status: http.StatusUnsupportedMediaType},
		{name: "data url", body: fmt.Sprintf(`{"image":"data:image/png;base64,%s"}`, base64.StdEncoding.EncodeToString(pngHeader)), status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{faces: []usecase.FaceResult{}}, nil)
			resp := postJSON(t, router, "/recognize", buildTestToken(t, "operator-123", ""), tt.body)
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d (%s)", tt.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestRecognizeJSONRejectsOversizedImage(t *testing.T) {
	tooLarge := append(append([]byte(nil), pngHeader...), bytes.Repeat([]byte("a"), MaxUploadSize)...)
	tests := []struct {
		name string
		body string
	}{
		{name: "decoded image over limit", body: fmt.Sprintf(`{"image":%q}`, base64.StdEncoding.EncodeToString(tooLarge))},
		{name: "body over limit", body: `{"image":"` + string(bytes.Repeat([]byte("A"), 2*MaxUploadSize)) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			router := newTestRouter(svc, nil)
			resp := postJSON(t, router, "/recognize", buildTestToken(t, "operator-123", ""), tt.body)
			if resp.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected status %d, got %d (%s)", http.StatusRequestEntityTooLarge, resp.Code, resp.Body.String())
			}
			if svc.recognizeCalls != 0 {
				t.Fatal("oversized image must not reach the service")
			}
		})
	}
}

func TestRecognizeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "pipeline unavailable", err: fmt.Errorf("%w: refused", imageprocessor.ErrPipelineUnavailable), status: http.StatusBadGateway},
		{name: "corrupted enrollment", err: logging.NewOperationError("usecase.match_face", "req", &matcher.DimensionError{Identity: 3, Want: 512, Got: 128}), status: http.StatusInternalServerError},
		{name: "invalid input", err: usecase.ErrInvalidInput, status: http.StatusBadRequest},
		{name: "unexpected", err: fmt.Errorf("database down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubService{recognizeErr: tt.err}, nil)
			resp := postJSON(t, router, "/recognize", buildTestToken(t, "operator-123", ""),
				fmt.Sprintf(`{"image":%q}`, base64.StdEncoding.EncodeToString(pngHeader)))
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d (%s)", tt.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestRecognizeRequiresToken(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/recognize", bytes.NewBufferString(`{}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
}

func TestRecognizeIsRateLimited(t *testing.T) {
	svc := &stubService{faces: []usecase.FaceResult{}}
	router := newTestRouter(svc, NewRateLimiter(0.001, 1))
	token := buildTestToken(t, "operator-123", "")
	body := fmt.Sprintf(`{"image":%q}`, base64.StdEncoding.EncodeToString(pngHeader))

	if resp := postJSON(t, router, "/recognize", token, body); resp.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", resp.Code)
	}
	if resp := postJSON(t, router, "/recognize", token, body); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", resp.Code)
	}
	if resp := postJSON(t, router, "/recognize", buildTestToken(t, "operator-456", ""), body); resp.Code != http.StatusOK {
		t.Fatalf("expected another operator to have its own budget, got %d", resp.Code)
	}
	if svc.recognizeCalls != 2 {
		t.Fatalf("expected 2 recognitions, got %d", svc.recognizeCalls)
	}
}

func TestGetResult(t *testing.T) {
	tests := []struct {
		name   string
		svc    *stubService
		status int
	}{
		{name: "found", svc: &stubService{result: &usecase.Recognition{RequestID: "req-1", OperatorID: "operator-123"}}, status: http.StatusOK},
		{name: "not found", svc: &stubService{resultErr: logging.NewOperationError("usecase.get_result", "req-1", usecase.ErrResultNotFound)}, status: http.StatusNotFound},
		{name: "pending", svc: &stubService{resultErr: usecase.ErrResultPending}, status: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(tt.svc, nil)
			req := httptest.NewRequest(http.MethodGet, "/result/req-1", nil)
			req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator-123", ""))
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
		})
	}
}

func TestPersonsRequireEnrollScope(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)

	resp := postJSON(t, router, "/persons", buildTestToken(t, "operator-123", ""), `{"name":"Alice","surname":"Smith"}`)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 without scope, got %d", resp.Code)
	}

	resp = postJSON(t, router, "/persons", buildTestToken(t, "operator-123", auth.ScopeEnroll), `{"name":"Alice","surname":"Smith"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201 with scope, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["id"] != float64(11) || body["name"] != "Alice" {
		t.Fatalf("unexpected person %v", body)
	}
}

func TestGetPerson(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)
	token := buildTestToken(t, "operator-123", auth.ScopeEnroll)

	tests := []struct {
		path   string
		status int
	}{
		{path: "/persons/11", status: http.StatusOK},
		{path: "/persons/12", status: http.StatusNotFound},
		{path: "/persons/abc", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
		})
	}
}

func TestEnrollFaces(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, nil)
	token := buildTestToken(t, "operator-123", auth.ScopeEnroll)

	resp := postJSON(t, router, "/persons/11/faces", token, `{"embedding":[0.1,0.2],"embeddings":[[0.3,0.4]]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	if len(svc.enrolled) != 2 || svc.enrolled[0][0] != 0.1 {
		t.Fatalf("unexpected enrolled vectors %v", svc.enrolled)
	}

	resp = postJSON(t, router, "/persons/11/faces", token, `{}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty body, got %d", resp.Code)
	}
}

func TestEnrollFacesWrongDimensionIsBadRequest(t *testing.T) {
	svc := &stubService{enrollErr: logging.NewOperationError("usecase.enroll", "", &matcher.DimensionError{Identity: 11, Want: 512, Got: 2})}
	router := newTestRouter(svc, nil)

	resp := postJSON(t, router, "/persons/11/faces", buildTestToken(t, "operator-123", auth.ScopeEnroll), `{"embedding":[0.1,0.2]}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	router := newTestRouter(&stubService{}, nil)
	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, resp.Code)
		}
	}
}

func TestRateLimiterRefillsAndForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("a") {
		t.Fatal("expected first request to be allowed")
	}
	if limiter.Allow("a") {
		t.Fatal("expected burst to be exhausted")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("a") {
		t.Fatal("expected token to be refilled after a second")
	}

	now = now.Add(clientIdleTimeout + sweepInterval)
	limiter.Allow("b")
	if _, ok := limiter.clients["a"]; ok {
		t.Fatal("expected idle client to be swept")
	}
}

func postJSON(t *testing.T, router *gin.Engine, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject, scope string) string {
	t.Helper()

	claims := auth.Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
