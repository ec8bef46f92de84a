package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/auth"
	"github.com/example/kyc-flow/internal/imagepipeline"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/sessionstore"
	"github.com/example/kyc-flow/internal/verification"
)

const (
	testSecret   = "test-secret"
	testAudience = "kyc"
)

type testBackend struct{}

func (testBackend) CreateSession(ctx context.Context, req kycapi.SessionRequest) (string, error) {
	return "sess-1", nil
}

func (testBackend) GetPresignedUploads(ctx context.Context, sessionToken string) (*kycapi.PresignedPair, error) {
	return &kycapi.PresignedPair{
		Front: kycapi.PresignedUpload{URL: "https://bucket/front", Key: "front-key"},
		Back:  kycapi.PresignedUpload{URL: "https://bucket/back", Key: "back-key"},
	}, nil
}

func (testBackend) GetLivenessSession(ctx context.Context, sessionToken string) (*kycapi.LivenessSession, error) {
	return &kycapi.LivenessSession{URL: "https://liveness/capture", Token: "live-1"}, nil
}

func (testBackend) PollResult(ctx context.Context, livenessToken, sessionToken string, opts kycapi.PollOptions) (*kycapi.ResultPayload, error) {
	return &kycapi.ResultPayload{Status: "COMPLETED", IsLive: true, RemainingTries: 2}, nil
}

type nopConn struct{}

func (nopConn) Detect(ctx context.Context, imageBytes []byte) (*kycapi.DetectionResult, error) {
	return &kycapi.DetectionResult{Success: false}, nil
}

func (nopConn) Close() error { return nil }

type nopUploader struct{}

func (nopUploader) Upload(ctx context.Context, grant *kycapi.PresignedUpload, imageBytes []byte) error {
	return nil
}

type nopPipeline struct{}

func (nopPipeline) Crop(data []byte, box imagepipeline.BBox) []byte { return data }
func (nopPipeline) NormalizeToCanonical(data []byte) []byte         { return data }

func newTestRouter(t *testing.T, store sessionstore.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	factory := func(userID string, cfg verification.Config) *verification.Machine {
		return verification.NewMachine(cfg, verification.Deps{
			API: testBackend{},
			Dial: func(ctx context.Context, token string) (verification.DetectionConn, error) {
				return nopConn{}, nil
			},
			Uploader: nopUploader{},
			Pipeline: nopPipeline{},
			Sink:     nil,
			Logger:   zap.NewNop(),
		}, kycapi.PollOptions{Attempts: 2, Interval: time.Millisecond})
	}

	router := gin.New()
	h := New(factory, store, zap.NewNop())
	RegisterRoutes(router, h, auth.JWTMiddleware(testSecret, testAudience))
	return router
}

func buildToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func startTestFlow(t *testing.T, router *gin.Engine, token string) verification.Snapshot {
	t.Helper()
	body := `{"user":{"first_name":"Ada","last_name":"Lovelace","document_type":"passport","issuing_country":"GB"}}`
	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var snap verification.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.FlowID == "" {
		t.Fatal("expected a flow id")
	}
	return snap
}

func buildImageForm(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "document.jpg")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write([]byte("jpeg-bytes"))
	writer.Close()
	return &buf, writer.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartFlowCreatesSession(t *testing.T) {
	router := newTestRouter(t, nil)
	snap := startTestFlow(t, router, buildToken(t, testSecret, "user-1"))

	if snap.StepName != "awaiting_document_front" {
		t.Fatalf("expected awaiting_document_front, got %q", snap.StepName)
	}
}

func TestStartFlowRequiresAuth(t *testing.T) {
	router := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestStartFlowRejectsForgedToken(t *testing.T) {
	router := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+buildToken(t, "wrong-secret", "user-1"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestSubmitDocumentAdvancesStep(t *testing.T) {
	router := newTestRouter(t, nil)
	token := buildToken(t, testSecret, "user-1")
	snap := startTestFlow(t, router, token)

	body, contentType := buildImageForm(t)
	req := httptest.NewRequest(http.MethodPost, "/flows/"+snap.FlowID+"/document/front", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated verification.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if updated.StepName != "awaiting_document_back" {
		t.Fatalf("expected awaiting_document_back, got %q", updated.StepName)
	}
}

func TestSubmitDocumentRejectsUnknownSide(t *testing.T) {
	router := newTestRouter(t, nil)
	token := buildToken(t, testSecret, "user-1")
	snap := startTestFlow(t, router, token)

	body, contentType := buildImageForm(t)
	req := httptest.NewRequest(http.MethodPost, "/flows/"+snap.FlowID+"/document/left", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitDocumentOutOfOrderConflicts(t *testing.T) {
	router := newTestRouter(t, nil)
	token := buildToken(t, testSecret, "user-1")
	snap := startTestFlow(t, router, token)

	body, contentType := buildImageForm(t)
	req := httptest.NewRequest(http.MethodPost, "/flows/"+snap.FlowID+"/document/back", body)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetFlowFallsBackToStore(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	if err := store.Save(context.Background(), verification.Snapshot{
		FlowID:   "persisted-flow",
		StepName: "awaiting_liveness",
	}); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/flows/persisted-flow", nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, testSecret, "user-1"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap verification.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.FlowID != "persisted-flow" || snap.StepName != "awaiting_liveness" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGetFlowUnknownReturnsNotFound(t *testing.T) {
	router := newTestRouter(t, sessionstore.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/flows/nope", nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, testSecret, "user-1"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCancelFlowAborts(t *testing.T) {
	router := newTestRouter(t, nil)
	token := buildToken(t, testSecret, "user-1")
	snap := startTestFlow(t, router, token)

	req := httptest.NewRequest(http.MethodDelete, "/flows/"+snap.FlowID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var aborted verification.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &aborted); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if aborted.StepName != "aborted" {
		t.Fatalf("expected aborted, got %q", aborted.StepName)
	}
	if aborted.Status != verification.StatusCancelled {
		t.Fatalf("expected CANCELLED status, got %q", aborted.Status)
	}
}
