package kycapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SessionRequest carries the caller-supplied identity used to open a
// verification session.
type SessionRequest struct {
	AuthToken      string `json:"-"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	DocumentType   string `json:"document_type"`
	IssuingCountry string `json:"issuing_country"`
	DocumentSource string `json:"document_source"`
}

// PresignedUpload is a single-use upload grant for one document side. The
// policy fields are opaque to us and forwarded verbatim to storage.
type PresignedUpload struct {
	URL           string `json:"url"`
	Key           string `json:"key"`
	AccessKeyID   string `json:"access_key_id"`
	SecurityToken string `json:"security_token"`
	Signature     string `json:"signature"`
	Policy        string `json:"policy"`
}

// PresignedPair holds the grants for both document sides.
type PresignedPair struct {
	Front PresignedUpload `json:"front"`
	Back  PresignedUpload `json:"back"`
}

// LivenessSession points the caller at the external liveness capture.
type LivenessSession struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ResultPayload is one polling response from the backend.
type ResultPayload struct {
	Status         string         `json:"status"`
	IsLive         bool           `json:"is_live"`
	RemainingTries int            `json:"remaining_tries"`
	Data           map[string]any `json:"data"`
}

// PollOptions bounds PollResult. Both values come from configuration; the
// backend may legitimately take a while to score liveness.
type PollOptions struct {
	Attempts int
	Interval time.Duration
}

// Client talks to the KYC REST API and the document detection socket.
type Client struct {
	baseURL      string
	detectionURL string
	authToken    string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewClient builds a client for the given backend endpoints. The auth token
// is attached as a bearer credential to every request.
func NewClient(baseURL, detectionURL, authToken string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		detectionURL: detectionURL,
		authToken:    authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("kycapi"),
	}
}

// CreateSession opens a verification session and returns its token.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (string, error) {
	var resp struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/session", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionToken == "" {
		return "", &InvalidResponseError{Field: "session_token"}
	}
	return resp.SessionToken, nil
}

// GetPresignedUploads fetches the single-use upload grants for both document
// sides. An absent side or an empty URL is a fatal parse error.
func (c *Client) GetPresignedUploads(ctx context.Context, sessionToken string) (*PresignedPair, error) {
	var resp struct {
		Front *PresignedUpload `json:"front"`
		Back  *PresignedUpload `json:"back"`
	}
	path := fmt.Sprintf("/session/%s/presigned-urls", sessionToken)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Front == nil {
		return nil, &InvalidResponseError{Field: "front"}
	}
	if resp.Back == nil {
		return nil, &InvalidResponseError{Field: "back"}
	}
	if resp.Front.URL == "" {
		return nil, &InvalidResponseError{Field: "front.url"}
	}
	if resp.Back.URL == "" {
		return nil, &InvalidResponseError{Field: "back.url"}
	}
	return &PresignedPair{Front: *resp.Front, Back: *resp.Back}, nil
}

// GetLivenessSession obtains the liveness capture URL and token.
func (c *Client) GetLivenessSession(ctx context.Context, sessionToken string) (*LivenessSession, error) {
	var resp LivenessSession
	if err := c.doJSON(ctx, http.MethodGet, "/liveness/session", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, &InvalidResponseError{Field: "token"}
	}
	return &resp, nil
}

// PollResult drives the client-side polling loop for the final verification
// outcome. It stops on a ready or rejected result, when the backend reports
// no tries left with a failed liveness check, or after opts.Attempts polls
// with a TimeoutError.
func (c *Client) PollResult(ctx context.Context, livenessToken, sessionToken string, opts PollOptions) (*ResultPayload, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	body := map[string]string{"liveness_token": livenessToken}
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &NetworkError{Op: "poll_result", Err: ctx.Err()}
			case <-time.After(opts.Interval):
			}
		}

		var payload ResultPayload
		if err := c.doJSON(ctx, http.MethodPost, "/result", body, &payload); err != nil {
			return nil, err
		}

		switch payload.Status {
		case "SUCCESS", "COMPLETED":
			return &payload, nil
		case "REJECT", "FAILURE":
			return nil, &RejectedError{Status: payload.Status}
		}

		if payload.RemainingTries == 0 && !payload.IsLive {
			// Out of tries without ever passing liveness: terminal, no
			// point burning the remaining attempt budget.
			return nil, &RejectedError{Status: payload.Status}
		}

		c.logger.Debug("result not ready",
			zap.String("status", payload.Status),
			zap.Int("attempt", attempt+1),
			zap.Int("remaining_tries", payload.RemainingTries))
	}

	return nil, &TimeoutError{Attempts: opts.Attempts}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(resp.Body)
		return &ServerError{StatusCode: resp.StatusCode, Body: string(data)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &InvalidResponseError{Field: "body"}
	}
	return nil
}
