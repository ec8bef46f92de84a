package kycapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/imagepipeline"
)

// DetectionResult is the detector's answer for one submitted image.
type DetectionResult struct {
	Success bool
	BBox    *imagepipeline.BBox
}

type detectionReply struct {
	Success bool      `json:"success"`
	BBox    []float64 `json:"bbox"`
}

// DetectionSocket is a persistent duplex channel to the document detection
// service. Requests are correlated by ordering, so only one may be
// outstanding at a time; the mutex enforces that discipline.
type DetectionSocket struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	once   sync.Once
	logger *zap.Logger
}

// OpenDetectionSocket dials the detection endpoint. The connection is owned
// by the caller for the session's lifetime and must be closed when the flow
// completes or aborts.
func (c *Client) OpenDetectionSocket(ctx context.Context, sessionToken string) (*DetectionSocket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.authToken)
	header.Set("X-Session-Token", sessionToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.detectionURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{StatusCode: resp.StatusCode}
		}
		return nil, &NetworkError{Op: "open_detection_socket", Err: err}
	}

	return &DetectionSocket{conn: conn, logger: c.logger.Named("detection")}, nil
}

// Detect sends one image and waits for the matching reply. A reply without a
// well-formed four-value box still counts as an answer; the caller decides
// whether to treat that as a skip.
func (s *DetectionSocket) Detect(ctx context.Context, imageBytes []byte) (*DetectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return nil, &NetworkError{Op: "detect", Err: err}
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, imageBytes); err != nil {
		return nil, &NetworkError{Op: "detect", Err: err}
	}

	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, &NetworkError{Op: "detect", Err: err}
	}
	var reply detectionReply
	if err := s.conn.ReadJSON(&reply); err != nil {
		return nil, &NetworkError{Op: "detect", Err: err}
	}

	result := &DetectionResult{Success: reply.Success}
	if len(reply.BBox) == 4 {
		box := imagepipeline.NewBBox([4]float64{reply.BBox[0], reply.BBox[1], reply.BBox[2], reply.BBox[3]})
		result.BBox = &box
	} else if reply.Success {
		s.logger.Warn("detection reply missing usable bbox",
			zap.Int("coords", len(reply.BBox)))
	}
	return result, nil
}

// Close shuts the socket down. Safe to call more than once.
func (s *DetectionSocket) Close() error {
	var err error
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			s.logger.Debug("close handshake failed", zap.Error(werr))
		}
		err = s.conn.Close()
	})
	return err
}
