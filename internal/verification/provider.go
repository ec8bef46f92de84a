package verification

import (
	"sync"
	"time"
)

// Snapshot is an immutable view of flow progress for observers. The machine
// publishes one on every transition whether or not anybody is listening.
type Snapshot struct {
	FlowID        string    `json:"flow_id"`
	Step          Step      `json:"-"`
	StepName      string    `json:"step"`
	Loading       bool      `json:"loading"`
	LastError     string    `json:"last_error,omitempty"`
	FrontUploaded bool      `json:"front_uploaded"`
	BackUploaded  bool      `json:"back_uploaded"`
	FrontDetected bool      `json:"front_detected"`
	BackDetected  bool      `json:"back_detected"`
	LivenessURL   string    `json:"liveness_url,omitempty"`
	Status        Status    `json:"status,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const subscriberBuffer = 16

// Provider holds the latest snapshot and fans it out to subscribers.
// Publishing never blocks; a slow subscriber misses intermediate snapshots
// and catches up from the next one.
type Provider struct {
	mu      sync.RWMutex
	current Snapshot
	subs    []chan Snapshot
}

// NewProvider returns an empty provider at the idle step.
func NewProvider() *Provider {
	return &Provider{current: Snapshot{Step: StepIdle, StepName: StepIdle.String()}}
}

// Snapshot returns the latest published state.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe registers an observer channel. The current snapshot is delivered
// first so new subscribers start consistent.
func (p *Provider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, subscriberBuffer)
	ch <- p.current
	p.subs = append(p.subs, ch)
	return ch
}

func (p *Provider) publish(s Snapshot) {
	s.StepName = s.Step.String()
	s.UpdatedAt = time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
	for _, ch := range p.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
