package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/classifier"
	"github.com/example/lesion-triage/internal/gate"
	"github.com/example/lesion-triage/internal/lesion"
	"github.com/example/lesion-triage/internal/logging"
	"github.com/example/lesion-triage/internal/repository"
	"github.com/example/lesion-triage/internal/uncertainty"
	"github.com/example/lesion-triage/internal/usecase"
)

const testJWTSecret = "test-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubService struct {
	outcome   *usecase.Outcome
	err       error
	lastReq   usecase.AnalyzeRequest
	lastQuery usecase.HistoryQuery
	record    *repository.AnalysisRecord
	csv       string
}

func (s *stubService) Analyze(ctx context.Context, caller auth.Caller, req usecase.AnalyzeRequest) (*usecase.Outcome, error) {
	s.lastReq = req
	return s.outcome, s.err
}

func (s *stubService) GetAnalysis(ctx context.Context, caller auth.Caller, id string) (*repository.AnalysisRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.record, nil
}

func (s *stubService) ListHistory(ctx context.Context, caller auth.Caller, query usecase.HistoryQuery) ([]*repository.AnalysisRecord, error) {
	s.lastQuery = query
	return nil, s.err
}

func (s *stubService) GetStats(ctx context.Context, caller auth.Caller) (*usecase.Stats, error) {
	return &usecase.Stats{TotalAnalyses: 3}, s.err
}

func (s *stubService) ExportCSV(ctx context.Context, caller auth.Caller, query usecase.HistoryQuery, w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := io.WriteString(w, s.csv)
	return err
}

type stubModels struct {
	err error
}

func (s *stubModels) Info() (*usecase.ModelInfo, error) {
	return &usecase.ModelInfo{Rounds: 7}, s.err
}

func (s *stubModels) Reload() (*usecase.ModelInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &usecase.ModelInfo{Rounds: 9}, nil
}

func newTestRouter(svc AnalysisService, opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), opts...)
	return router
}

func TestAnalyzeRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&usecase.AnalysisUseCase{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestAnalyzeRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&usecase.AnalysisUseCase{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)

	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestAnalyzeRejectsMislabelledContent(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := postAnalyze(t, router, buildTestToken(t, "user-123"), []byte("plain text pretending"), nil)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestAnalyzeReturnsGateRejection(t *testing.T) {
	svc := &stubService{outcome: &usecase.Outcome{
		ID:             "req-1",
		State:          usecase.StateRejected,
		Classification: &classifier.Result{TopClass: lesion.Melanoma, TopConfidence: 16},
		Decision:       gate.Decision{Reason: gate.ReasonAmbiguousDistribution, Hints: gate.Hints(gate.ReasonAmbiguousDistribution)},
	}}
	router := newTestRouter(svc)

	resp := postAnalyze(t, router, buildTestToken(t, "user-123"), pngHeader, nil)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}

	var body map[string]interface{}
	decode(t, resp, &body)
	if body["reason"] != string(gate.ReasonAmbiguousDistribution) {
		t.Fatalf("unexpected reason: %v", body["reason"])
	}
	if hints, ok := body["hints"].([]interface{}); !ok || len(hints) == 0 {
		t.Fatalf("expected hints, got %v", body["hints"])
	}
}

func TestAnalyzeReturnsReport(t *testing.T) {
	report := uncertainty.Report{Prediction: lesion.Melanoma, Tier: uncertainty.TierModerate, Draws: 10}
	svc := &stubService{outcome: &usecase.Outcome{
		ID:             "req-2",
		State:          usecase.StateReported,
		Classification: &classifier.Result{TopClass: lesion.Melanoma, TopConfidence: 88},
		Decision:       gate.Decision{Accepted: true},
		Report:         &report,
	}}
	router := newTestRouter(svc)

	resp := postAnalyze(t, router, buildTestToken(t, "user-123"), pngHeader, map[string]string{
		"age":          "64",
		"gender":       "F",
		"location":     "back",
		"patient_name": "Ada",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"tier":"MODERATE"`) {
		t.Fatalf("expected tier in body, got %s", resp.Body.String())
	}

	meta := svc.lastReq.Metadata
	if meta == nil || meta.Age != 64 || meta.Gender != lesion.GenderFemale || meta.Location != "back" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if svc.lastReq.PatientName != "Ada" {
		t.Fatalf("unexpected patient name: %q", svc.lastReq.PatientName)
	}
}

func TestAnalyzeWithoutMetadataPassesNil(t *testing.T) {
	report := uncertainty.Report{}
	svc := &stubService{outcome: &usecase.Outcome{State: usecase.StateReported, Report: &report}}
	router := newTestRouter(svc)

	resp := postAnalyze(t, router, buildTestToken(t, "user-123"), pngHeader, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if svc.lastReq.Metadata != nil {
		t.Fatalf("expected nil metadata, got %+v", svc.lastReq.Metadata)
	}
}

func TestAnalyzeRejectsBadAge(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := postAnalyze(t, router, buildTestToken(t, "user-123"), pngHeader, map[string]string{"age": "two hundred"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestAnalyzeMapsConfigurationErrorByCaller(t *testing.T) {
	svc := &stubService{err: apperrors.NewConfigurationError("model artifact unavailable", nil)}
	router := newTestRouter(svc)

	resp := postAnalyze(t, router, buildTestToken(t, "patient-1"), pngHeader, nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if body["error"] != "analysis failed" {
		t.Fatalf("unexpected error message: %v", body["error"])
	}
	if _, ok := body["kind"]; ok {
		t.Fatal("patients must not see the failure kind")
	}

	resp = postAnalyze(t, router, buildRoleToken(t, "doc-1", "clinician"), pngHeader, nil)
	decode(t, resp, &body)
	if body["kind"] != string(apperrors.KindConfiguration) {
		t.Fatalf("expected clinician to see kind, got %v", body["kind"])
	}
}

func TestAnalyzeMapsContractViolationTo500(t *testing.T) {
	router := newTestRouter(&stubService{err: apperrors.NewContractViolation("width mismatch", nil)})

	resp := postAnalyze(t, router, buildTestToken(t, "patient-1"), pngHeader, nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
}

func TestAnalyzeStatusFollowsErrorKind(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"upstream wrapped": {logging.NewOperationError("usecase.classify", "req-1", apperrors.NewUpstreamError("classifier", errors.New("connection refused"))), http.StatusServiceUnavailable},
		"transient draw":   {apperrors.NewTransientInferenceFailure(3, errors.New("worker lost")), http.StatusServiceUnavailable},
		"configuration":    {apperrors.NewConfigurationError("model artifact unavailable", nil), http.StatusServiceUnavailable},
		"contract":         {apperrors.NewContractViolation("width mismatch", nil), http.StatusInternalServerError},
		"untyped":          {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(&stubService{err: tc.err})
			resp := postAnalyze(t, router, buildTestToken(t, "patient-1"), pngHeader, nil)
			if resp.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestAnalyzeRateLimitsPerCaller(t *testing.T) {
	report := uncertainty.Report{}
	svc := &stubService{outcome: &usecase.Outcome{State: usecase.StateReported, Report: &report}}
	router := newTestRouter(svc, WithRateLimiter(NewCallerLimiter(1)))

	token := buildTestToken(t, "user-123")
	if resp := postAnalyze(t, router, token, pngHeader, nil); resp.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", resp.Code)
	}
	resp := postAnalyze(t, router, token, pngHeader, nil)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	if other := postAnalyze(t, router, buildTestToken(t, "user-456"), pngHeader, nil); other.Code != http.StatusOK {
		t.Fatalf("expected other caller to pass, got %d", other.Code)
	}
}

func TestGetAnalysisStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"found", nil, http.StatusOK},
		{"missing", repository.ErrNotFound, http.StatusNotFound},
		{"pending", usecase.ErrAnalysisPending, http.StatusAccepted},
		{"rejected", usecase.ErrAnalysisRejected, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&stubService{err: tc.err, record: &repository.AnalysisRecord{ID: "req-1"}})
			resp := get(t, router, "/analyses/req-1", buildTestToken(t, "user-123"))
			if resp.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestListHistoryParsesQuery(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	resp := get(t, router, "/analyses?search=arm&diagnosis=Melanoma&start=2024-01-01&end=2024-02-01T00:00:00Z", buildTestToken(t, "user-123"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if svc.lastQuery.Search != "arm" || svc.lastQuery.Diagnosis != "Melanoma" {
		t.Fatalf("unexpected query: %+v", svc.lastQuery)
	}
	if svc.lastQuery.Start == nil || !svc.lastQuery.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start: %v", svc.lastQuery.Start)
	}
	if !strings.Contains(resp.Body.String(), `"analyses":[]`) {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}

	if resp := get(t, router, "/analyses?start=yesterday", buildTestToken(t, "user-123")); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestListHistoryInvalidQueryIs400(t *testing.T) {
	router := newTestRouter(&stubService{err: usecase.ErrInvalidQuery})

	if resp := get(t, router, "/analyses?diagnosis=sunburn", buildTestToken(t, "user-123")); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestExportServesCSV(t *testing.T) {
	router := newTestRouter(&stubService{csv: "id\nreq-1\n"})

	resp := get(t, router, "/analyses/export", buildTestToken(t, "user-123"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(resp.Header().Get("Content-Disposition"), "attachment") {
		t.Fatal("expected attachment disposition")
	}
	if resp.Body.String() != "id\nreq-1\n" {
		t.Fatalf("unexpected body: %q", resp.Body.String())
	}
}

func TestStatsRoute(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := get(t, router, "/analyses/stats", buildTestToken(t, "user-123"))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"total_analyses":3`) {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestModelReloadRequiresClinician(t *testing.T) {
	router := newTestRouter(&stubService{}, WithModelService(&stubModels{}))

	req := httptest.NewRequest(http.MethodPost, "/admin/model/reload", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "patient-1"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/model/reload", nil)
	req.Header.Set("Authorization", "Bearer "+buildRoleToken(t, "doc-1", "clinician"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"reloaded"`) {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestModelReloadFailureIs503(t *testing.T) {
	models := &stubModels{err: apperrors.NewConfigurationError("model artifact unavailable", nil)}
	router := newTestRouter(&stubService{}, WithModelService(models))

	req := httptest.NewRequest(http.MethodPost, "/admin/model/reload", nil)
	req.Header.Set("Authorization", "Bearer "+buildRoleToken(t, "doc-1", "doctor"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}

func postAnalyze(t *testing.T, router *gin.Engine, token string, image []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := buildMultipartBody(t, "image/png", image, fields)

	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func get(t *testing.T, router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode body %q: %v", resp.Body.String(), err)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}

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

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()
	return buildRoleToken(t, subject, "")
}

func buildRoleToken(t *testing.T, subject, role string) string {
	t.Helper()

	claims := auth.Claims{
		Role: role,
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
