package verification

import "github.com/example/kyc-flow/internal/kycapi"

// SideState tracks one document side through upload, detection and crop.
type SideState struct {
	Grant    kycapi.PresignedUpload
	Uploaded bool
	Detected bool
	Cropped  []byte
}

// Session is the machine-owned mutable state for one active flow. It exists
// from Start until completion or abort; nothing outside the machine touches
// it directly.
type Session struct {
	FlowID         string
	Token          string
	LivenessToken  string
	LivenessURL    string
	Step           Step
	Front          SideState
	Back           SideState
	RemainingTries int
	Terminal       *Result
}

func (s *Session) side(side DocumentSide) *SideState {
	if side == SideBack {
		return &s.Back
	}
	return &s.Front
}

func (s *Session) bothSidesDone() bool {
	return s.Front.Uploaded && s.Back.Uploaded
}
