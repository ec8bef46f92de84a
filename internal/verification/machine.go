package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/imagepipeline"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/uploader"
)

// BackendClient is the REST surface the machine drives.
type BackendClient interface {
	CreateSession(ctx context.Context, req kycapi.SessionRequest) (string, error)
	GetPresignedUploads(ctx context.Context, sessionToken string) (*kycapi.PresignedPair, error)
	GetLivenessSession(ctx context.Context, sessionToken string) (*kycapi.LivenessSession, error)
	PollResult(ctx context.Context, livenessToken, sessionToken string, opts kycapi.PollOptions) (*kycapi.ResultPayload, error)
}

// DetectionConn is one open detection channel.
type DetectionConn interface {
	Detect(ctx context.Context, imageBytes []byte) (*kycapi.DetectionResult, error)
	Close() error
}

// DetectionDialer opens the detection channel for a session.
type DetectionDialer func(ctx context.Context, sessionToken string) (DetectionConn, error)

// UploadClient pushes image bytes to a presigned grant.
type UploadClient interface {
	Upload(ctx context.Context, grant *kycapi.PresignedUpload, imageBytes []byte) error
}

// ImagePipeline crops and normalizes captured images.
type ImagePipeline interface {
	Crop(data []byte, box imagepipeline.BBox) []byte
	NormalizeToCanonical(data []byte) []byte
}

// SnapshotSink persists snapshots so a flow survives a process restart.
// Optional; a nil sink disables write-through.
type SnapshotSink interface {
	Save(ctx context.Context, snap Snapshot) error
}

// Deps bundles the machine's collaborators.
type Deps struct {
	API      BackendClient
	Dial     DetectionDialer
	Uploader UploadClient
	Pipeline ImagePipeline
	Sink     SnapshotSink
	Logger   *zap.Logger
}

// Machine sequences one verification flow: session setup, per-side
// upload/detect/crop, liveness, result polling. All operations run strictly
// sequentially; opMu guarantees no two network calls for the session overlap.
type Machine struct {
	cfg      Config
	deps     Deps
	poll     kycapi.PollOptions
	provider *Provider
	logger   *zap.Logger

	opMu sync.Mutex

	mu         sync.Mutex
	session    *Session
	active     bool
	done       bool
	socket     DetectionConn
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	finished sync.Once
}

// NewMachine builds a machine for one verification flow.
func NewMachine(cfg Config, deps Deps, poll kycapi.PollOptions) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		cfg:      cfg,
		deps:     deps,
		poll:     poll,
		provider: NewProvider(),
		logger:   logger.Named("verification"),
	}
}

// StartVerification is the single entry contract for presentation layers: it
// builds a machine from the caller-supplied pieces and starts the flow.
// OnComplete fires exactly once per flow, whatever path it takes.
func StartVerification(ctx context.Context, authToken string, user UserInfo, custom Customization, onComplete CompletionFunc, deps Deps, poll kycapi.PollOptions) (*Machine, error) {
	m := NewMachine(Config{
		AuthToken:     authToken,
		User:          user,
		Customization: custom,
		OnComplete:    onComplete,
	}, deps, poll)
	if err := m.Start(ctx); err != nil {
		return m, err
	}
	return m, nil
}

// Provider exposes the observable state for subscribers.
func (m *Machine) Provider() *Provider { return m.provider }

// Snapshot returns the latest observable state.
func (m *Machine) Snapshot() Snapshot { return m.provider.Snapshot() }

// FlowID returns the flow identifier, empty before Start.
func (m *Machine) FlowID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.FlowID
}

// Start opens the backend session and fetches the presigned upload grants.
// A second Start while a session is active is rejected. Transport failures
// leave the machine idle and startable again; missing grant fields abort the
// flow with a SessionError.
func (m *Machine) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.active || m.done {
		m.mu.Unlock()
		return errors.New("a verification session is already active")
	}
	m.active = true
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	m.session = &Session{FlowID: uuid.NewString(), Step: StepIdle}
	flowID := m.session.FlowID
	m.mu.Unlock()

	opLogger := logging.WithOperation(m.logger, "verification.start", flowID)
	m.publish(true, "")

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	token, err := m.deps.API.CreateSession(opCtx, kycapi.SessionRequest{
		AuthToken:      m.cfg.AuthToken,
		FirstName:      m.cfg.User.FirstName,
		LastName:       m.cfg.User.LastName,
		DocumentType:   m.cfg.User.DocumentType,
		IssuingCountry: m.cfg.User.IssuingCountry,
		DocumentSource: string(m.cfg.Customization.DocumentSource),
	})
	if err != nil {
		return m.startFailed(opLogger, "create_session", flowID, err)
	}

	grants, err := m.deps.API.GetPresignedUploads(opCtx, token)
	if err != nil {
		return m.startFailed(opLogger, "get_presigned_uploads", flowID, err)
	}

	m.mu.Lock()
	m.session.Token = token
	m.session.Front.Grant = grants.Front
	m.session.Back.Grant = grants.Back
	m.session.Step = StepAwaitingDocumentFront
	m.mu.Unlock()

	opLogger.Info("verification session opened")
	m.publish(false, "")
	return nil
}

// startFailed maps a setup error: malformed responses and auth rejections are
// fatal, transport problems put the machine back to idle so Start can be
// retried.
func (m *Machine) startFailed(opLogger *zap.Logger, op, flowID string, err error) error {
	wrapped := logging.NewOperationError("verification."+op, flowID, err)
	opLogger.Error("session setup failed", zap.Error(wrapped))

	var invalid *kycapi.InvalidResponseError
	if errors.As(err, &invalid) {
		sessErr := &SessionError{Reason: invalid.Error(), Err: err}
		m.finish(Result{Status: StatusFailure, ErrorCode: "SESSION", Error: sessErr.Error()})
		return sessErr
	}
	var authErr *kycapi.AuthError
	if errors.As(err, &authErr) {
		m.finish(Result{Status: StatusFailure, ErrorCode: "AUTH", Error: err.Error()})
		return wrapped
	}

	m.mu.Lock()
	m.active = false
	cancel := m.lifeCancel
	m.lifeCtx, m.lifeCancel = nil, nil
	m.session = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.publish(false, err.Error())
	return wrapped
}

// SubmitDocument runs the upload, detect and crop pipeline for one side.
// Front must fully finish before back is accepted. A failed upload surfaces
// the error and holds the step; re-invoking the same side resumes. Detection
// failures never block the flow, they only skip the crop.
func (m *Machine) SubmitDocument(ctx context.Context, side DocumentSide, imageBytes []byte) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.session == nil || m.done {
		m.mu.Unlock()
		return errors.New("no active verification session")
	}
	step := m.session.Step
	state := m.session.side(side)
	switch {
	case side == SideFront && step == StepAwaitingDocumentFront:
	case side == SideBack && step == StepAwaitingDocumentBack:
	case side == SideFront && step == StepAwaitingDocumentBack && state.Uploaded:
		// Back navigation re-shows the front screen; the completed upload
		// must not run again.
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return fmt.Errorf("document side %s not expected at step %s", side, step)
	}
	flowID := m.session.FlowID
	token := m.session.Token
	grant := state.Grant
	uploaded := state.Uploaded
	m.mu.Unlock()

	opLogger := logging.WithOperation(m.logger, "verification.submit_document", flowID).
		With(zap.String("side", string(side)))
	m.publish(true, "")

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	canonical := m.deps.Pipeline.NormalizeToCanonical(imageBytes)

	if !uploaded {
		if err := m.deps.Uploader.Upload(opCtx, &grant, canonical); err != nil {
			wrapped := logging.NewOperationError("verification.upload", flowID, err)
			opLogger.Error("document upload failed", zap.Error(wrapped))
			var uploadErr *uploader.UploadError
			if errors.As(err, &uploadErr) {
				opLogger.Warn("storage rejected upload",
					zap.Int("status", uploadErr.StatusCode))
			}
			m.publish(false, err.Error())
			return wrapped
		}
		m.mu.Lock()
		m.session.side(side).Uploaded = true
		if side == SideBack {
			m.session.Step = StepDetectingDocument
		}
		m.mu.Unlock()
		m.publish(true, "")
	}

	m.detectAndCrop(opCtx, opLogger, side, token, canonical)

	m.mu.Lock()
	if side == SideFront {
		m.session.Step = StepAwaitingDocumentBack
	}
	bothDone := m.session.bothSidesDone()
	m.mu.Unlock()

	if side == SideBack && bothDone {
		if err := m.enterLiveness(opCtx, opLogger, flowID); err != nil {
			return err
		}
	}

	m.publish(false, "")
	return nil
}

// detectAndCrop asks the detector for a bounding box and crops to it.
// Everything here is best effort: a missing socket, a failed request or a
// malformed box just leaves the side uncropped.
func (m *Machine) detectAndCrop(ctx context.Context, opLogger *zap.Logger, side DocumentSide, token string, canonical []byte) {
	conn := m.ensureSocket(ctx, opLogger, token)
	if conn == nil {
		return
	}

	result, err := conn.Detect(ctx, canonical)
	if err != nil {
		opLogger.Warn("document detection failed, continuing uncropped", zap.Error(err))
		return
	}
	if !result.Success || result.BBox == nil {
		opLogger.Warn("document not detected, continuing uncropped",
			zap.Bool("success", result.Success))
		return
	}

	cropped := m.deps.Pipeline.Crop(canonical, *result.BBox)
	m.mu.Lock()
	state := m.session.side(side)
	state.Detected = true
	state.Cropped = cropped
	m.mu.Unlock()
}

// ensureSocket lazily dials the detection channel. The connection belongs to
// this session alone and stays open until completion or abort.
func (m *Machine) ensureSocket(ctx context.Context, opLogger *zap.Logger, token string) DetectionConn {
	m.mu.Lock()
	if m.socket != nil {
		conn := m.socket
		m.mu.Unlock()
		return conn
	}
	m.mu.Unlock()

	if m.deps.Dial == nil {
		return nil
	}
	conn, err := m.deps.Dial(ctx, token)
	if err != nil {
		opLogger.Warn("detection socket unavailable, continuing uncropped", zap.Error(err))
		return nil
	}

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.socket = conn
	m.mu.Unlock()
	return conn
}

func (m *Machine) enterLiveness(ctx context.Context, opLogger *zap.Logger, flowID string) error {
	m.mu.Lock()
	token := m.session.Token
	m.mu.Unlock()

	liveness, err := m.deps.API.GetLivenessSession(ctx, token)
	if err != nil {
		wrapped := logging.NewOperationError("verification.get_liveness_session", flowID, err)
		opLogger.Error("liveness session setup failed", zap.Error(wrapped))

		var authErr *kycapi.AuthError
		if errors.As(err, &authErr) {
			m.finish(Result{Status: StatusFailure, ErrorCode: "AUTH", Error: err.Error()})
			return wrapped
		}
		m.publish(false, err.Error())
		return wrapped
	}

	m.mu.Lock()
	m.session.LivenessToken = liveness.Token
	m.session.LivenessURL = liveness.URL
	m.session.Step = StepAwaitingLiveness
	m.mu.Unlock()
	opLogger.Info("liveness session obtained")
	return nil
}

// CompleteLiveness is invoked once the external liveness capture reports
// completion. It drives the polling loop to the terminal result and fires
// the completion callback.
func (m *Machine) CompleteLiveness(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.session == nil || m.done {
		m.mu.Unlock()
		return errors.New("no active verification session")
	}
	step := m.session.Step
	flowID := m.session.FlowID
	token := m.session.Token
	livenessToken := m.session.LivenessToken
	m.mu.Unlock()

	opLogger := logging.WithOperation(m.logger, "verification.complete_liveness", flowID)

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if step == StepDetectingDocument && livenessToken == "" {
		// The liveness session fetch failed earlier; this is the resume path.
		if err := m.enterLiveness(opCtx, opLogger, flowID); err != nil {
			return err
		}
		m.mu.Lock()
		step = m.session.Step
		livenessToken = m.session.LivenessToken
		m.mu.Unlock()
	}
	if step != StepAwaitingLiveness && step != StepPollingResult {
		return fmt.Errorf("liveness completion not expected at step %s", step)
	}

	m.mu.Lock()
	m.session.Step = StepPollingResult
	m.mu.Unlock()
	m.publish(true, "")

	payload, err := m.deps.API.PollResult(opCtx, livenessToken, token, m.poll)
	if err != nil {
		wrapped := logging.NewOperationError("verification.poll_result", flowID, err)

		var timeoutErr *kycapi.TimeoutError
		if errors.As(err, &timeoutErr) {
			opLogger.Error("polling budget exhausted", zap.Error(wrapped))
			m.finish(Result{Status: StatusFailure, ErrorCode: "TIMEOUT", Error: err.Error()})
			return wrapped
		}
		var rejectErr *kycapi.RejectedError
		if errors.As(err, &rejectErr) {
			opLogger.Info("verification rejected by backend", zap.Error(wrapped))
			m.finish(Result{Status: StatusReject, ErrorCode: "REJECTED", Error: err.Error()})
			return wrapped
		}
		var authErr *kycapi.AuthError
		if errors.As(err, &authErr) {
			m.finish(Result{Status: StatusFailure, ErrorCode: "AUTH", Error: err.Error()})
			return wrapped
		}

		// Transport trouble: hold at polling, the caller may try again.
		opLogger.Error("result polling failed", zap.Error(wrapped))
		m.publish(false, err.Error())
		return wrapped
	}

	m.mu.Lock()
	m.session.RemainingTries = payload.RemainingTries
	m.mu.Unlock()

	opLogger.Info("verification finished",
		zap.String("status", payload.Status),
		zap.Int("remaining_tries", payload.RemainingTries))
	m.finish(Result{
		Success: true,
		Status:  Status(payload.Status),
		Data:    payload.Data,
	})
	return nil
}

// Cancel aborts the flow from any state. Idempotent: repeated calls and
// cancels after completion are no-ops. An in-flight network call is
// abandoned via context cancellation, never awaited.
func (m *Machine) Cancel() {
	m.mu.Lock()
	if m.done || m.session == nil {
		m.mu.Unlock()
		return
	}
	cancel := m.lifeCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.finish(Result{Status: StatusCancelled, ErrorCode: "CANCELLED", Error: "verification cancelled by caller"})
}

// finish settles the flow exactly once: terminal state, socket teardown,
// final snapshot, completion callback.
func (m *Machine) finish(res Result) {
	m.finished.Do(func() {
		m.mu.Lock()
		if m.session != nil {
			m.session.Terminal = &res
			if res.Status == StatusCancelled {
				m.session.Step = StepAborted
			} else {
				m.session.Step = StepCompleted
			}
		}
		sock := m.socket
		m.socket = nil
		cancel := m.lifeCancel
		m.done = true
		m.active = false
		flowID := ""
		if m.session != nil {
			flowID = m.session.FlowID
		}
		m.mu.Unlock()

		if sock != nil {
			if err := sock.Close(); err != nil {
				m.logger.Debug("detection socket close failed", zap.Error(err))
			}
		}
		if cancel != nil {
			cancel()
		}

		m.publishTerminal(res)

		if m.cfg.OnComplete != nil {
			data := map[string]any{"status": string(res.Status)}
			if flowID != "" {
				data["flow_id"] = flowID
			}
			if res.Error != "" {
				data["error"] = res.Error
				data["error_code"] = res.ErrorCode
			}
			for k, v := range res.Data {
				data[k] = v
			}
			m.cfg.OnComplete(res.Success, data)
		}
	})
}

// opContext derives an operation context that dies with either the caller or
// the machine lifecycle, so Cancel abandons in-flight calls.
func (m *Machine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	life := m.lifeCtx
	m.mu.Unlock()

	opCtx, cancel := context.WithCancel(ctx)
	if life == nil {
		return opCtx, cancel
	}
	stop := context.AfterFunc(life, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (m *Machine) publish(loading bool, lastErr string) {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	snap.Loading = loading
	snap.LastError = lastErr
	m.provider.publish(snap)
	m.persist(snap)
}

func (m *Machine) publishTerminal(res Result) {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	snap.Loading = false
	snap.Status = res.Status
	if res.Error != "" {
		snap.LastError = res.Error
	}
	m.provider.publish(snap)
	m.persist(snap)
}

func (m *Machine) snapshotLocked() Snapshot {
	if m.session == nil {
		return Snapshot{Step: StepIdle}
	}
	return Snapshot{
		FlowID:        m.session.FlowID,
		Step:          m.session.Step,
		FrontUploaded: m.session.Front.Uploaded,
		BackUploaded:  m.session.Back.Uploaded,
		FrontDetected: m.session.Front.Detected,
		BackDetected:  m.session.Back.Detected,
		LivenessURL:   m.session.LivenessURL,
	}
}

func (m *Machine) persist(snap Snapshot) {
	if m.deps.Sink == nil || snap.FlowID == "" {
		return
	}
	if err := m.deps.Sink.Save(context.Background(), snap); err != nil {
		m.logger.Warn("snapshot write-through failed",
			zap.String("flow_id", snap.FlowID), zap.Error(err))
	}
}
