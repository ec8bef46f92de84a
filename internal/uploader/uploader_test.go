package uploader

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/kycapi"
)

func testGrant(url string) *kycapi.PresignedUpload {
	return &kycapi.PresignedUpload{
		URL:           url,
		Key:           "uploads/front.jpg",
		AccessKeyID:   "AKIDEXAMPLE",
		SecurityToken: "token-123",
		Signature:     "sig-456",
		Policy:        "policy-789",
	}
}

func TestUploadSendsPolicyFieldsThenFile(t *testing.T) {
	var partNames []string
	fields := map[string]string{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("unexpected content type: %v", err)
			return
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("failed to read part: %v", err)
				return
			}
			partNames = append(partNames, part.FormName())
			value, _ := io.ReadAll(part)
			if part.FileName() == "" {
				fields[part.FormName()] = string(value)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	u := New(zap.NewNop())
	if err := u.Upload(context.Background(), testGrant(server.URL), []byte("jpeg-bytes")); err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}

	if len(partNames) != 6 {
		t.Fatalf("expected 6 parts, got %d: %v", len(partNames), partNames)
	}
	if last := partNames[len(partNames)-1]; last != "file" {
		t.Fatalf("expected file part last, got %s", last)
	}
	if fields["key"] != "uploads/front.jpg" {
		t.Fatalf("unexpected key field: %q", fields["key"])
	}
	if fields["policy"] != "policy-789" {
		t.Fatalf("unexpected policy field: %q", fields["policy"])
	}
}

func TestUploadReturnsUploadErrorOnRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "signature mismatch")
	}))
	defer server.Close()

	u := New(zap.NewNop())
	err := u.Upload(context.Background(), testGrant(server.URL), []byte("jpeg-bytes"))

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if uploadErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", uploadErr.StatusCode)
	}
	if uploadErr.Body != "signature mismatch" {
		t.Fatalf("expected response body in error, got %q", uploadErr.Body)
	}
}

func TestUploadReturnsNetworkErrorWhenUnreachable(t *testing.T) {
	u := New(zap.NewNop())
	err := u.Upload(context.Background(), testGrant("http://127.0.0.1:1"), []byte("jpeg-bytes"))

	var netErr *kycapi.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}
