package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/kycapi"
)

// UploadError reports a non-2xx answer from the storage endpoint. Retrying
// is the orchestrator's call, not ours.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Body)
}

// Uploader pushes captured document images to presigned storage URLs.
type Uploader struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds an uploader with a dedicated HTTP client; uploads can be slow
// over mobile links, so the timeout is generous.
func New(logger *zap.Logger) *Uploader {
	return &Uploader{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.Named("uploader"),
	}
}

// Upload submits imageBytes as a multipart form to the presigned target. The
// policy fields go first in the server-contract order; the file part must be
// last or storage rejects the request.
func (u *Uploader) Upload(ctx context.Context, grant *kycapi.PresignedUpload, imageBytes []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := []struct {
		name  string
		value string
	}{
		{"key", grant.Key},
		{"AWSAccessKeyId", grant.AccessKeyID},
		{"x-amz-security-token", grant.SecurityToken},
		{"signature", grant.Signature},
		{"policy", grant.Policy},
	}
	for _, f := range fields {
		if err := writer.WriteField(f.name, f.value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", f.name, err)
		}
	}

	part, err := writer.CreateFormFile("file", "document.jpg")
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		return fmt.Errorf("failed to write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, grant.URL, &buf)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return &kycapi.NetworkError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UploadError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	u.logger.Debug("upload completed",
		zap.String("key", grant.Key),
		zap.Int("bytes", len(imageBytes)),
		zap.Int("status", resp.StatusCode))
	return nil
}
