package verification

import "fmt"

// DocumentSource selects how the document image reaches the flow.
type DocumentSource string

const (
	SourceLive DocumentSource = "LIVE"
	SourceFile DocumentSource = "FILE"
)

// DocumentSide names the two sides of an identity document.
type DocumentSide string

const (
	SideFront DocumentSide = "front"
	SideBack  DocumentSide = "back"
)

// Step is the authoritative flow position. The presentation layer only reads
// it; every mutation happens inside the machine.
type Step int

const (
	StepIdle Step = iota
	StepAwaitingDocumentFront
	StepAwaitingDocumentBack
	StepDetectingDocument
	StepAwaitingLiveness
	StepPollingResult
	StepCompleted
	StepAborted
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepAwaitingDocumentFront:
		return "awaiting_document_front"
	case StepAwaitingDocumentBack:
		return "awaiting_document_back"
	case StepDetectingDocument:
		return "detecting_document"
	case StepAwaitingLiveness:
		return "awaiting_liveness"
	case StepPollingResult:
		return "polling_result"
	case StepCompleted:
		return "completed"
	case StepAborted:
		return "aborted"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// StepFromName is the inverse of Step.String, for rehydrating persisted
// snapshots. Unknown names map to idle.
func StepFromName(name string) Step {
	for s := StepIdle; s <= StepAborted; s++ {
		if s.String() == name {
			return s
		}
	}
	return StepIdle
}

// Status is the terminal outcome vocabulary shared with the backend.
type Status string

const (
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusReject     Status = "REJECT"
	StatusCancelled  Status = "CANCELLED"
)

// UserInfo identifies the person being verified.
type UserInfo struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	DocumentType   string `json:"document_type"`
	IssuingCountry string `json:"issuing_country"`
}

// Customization carries caller branding and capture preferences. Branding is
// passed through untouched; the core never interprets it.
type Customization struct {
	DocumentSource DocumentSource `json:"document_source"`
	BrandName      string         `json:"brand_name"`
	BrandLogoURL   string         `json:"brand_logo_url"`
}

// CompletionFunc receives the terminal outcome, exactly once per flow.
type CompletionFunc func(success bool, data map[string]any)

// Config is the immutable input for one verification flow.
type Config struct {
	AuthToken     string
	User          UserInfo
	Customization Customization
	OnComplete    CompletionFunc
}

// Result is the terminal value of a flow.
type Result struct {
	Success   bool           `json:"success"`
	Status    Status         `json:"status"`
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// SessionError reports a malformed or incomplete backend response during
// session setup. Fatal: the flow cannot proceed without valid credentials.
type SessionError struct {
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session setup failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session setup failed: %s", e.Reason)
}

func (e *SessionError) Unwrap() error { return e.Err }
