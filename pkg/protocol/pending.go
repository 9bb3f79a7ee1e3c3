package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestKind distinguishes the two vendor requests that expect a terminal
// response.
type RequestKind string

const (
	RequestGet RequestKind = "get"
	RequestSet RequestKind = "set"
)

type pendingKey struct {
	AppID uuid.UUID
	Kind  RequestKind
}

// PendingRequest represents a request waiting for a response
type PendingRequest struct {
	AppID     uuid.UUID
	Kind      RequestKind
	Timestamp time.Time
	Timeout   time.Duration

	onTimeout func()
	timer     *time.Timer
}

func (r *PendingRequest) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// PendingRequests tracks outstanding vendor requests per app id. A request
// with no terminal response within the timeout gets its onTimeout callback.
// A request whose timeout fired is remembered as expired until its late
// response is taken with Expired or a new request of the same kind starts.
type PendingRequests struct {
	mutex       sync.Mutex
	pendingReqs map[pendingKey]*PendingRequest
	expired     map[pendingKey]struct{}
	timeout     time.Duration
}

// NewPendingRequests creates a tracker with the given response timeout.
func NewPendingRequests(timeout time.Duration) *PendingRequests {
	return &PendingRequests{
		pendingReqs: make(map[pendingKey]*PendingRequest),
		expired:     make(map[pendingKey]struct{}),
		timeout:     timeout,
	}
}

// Register records an outstanding request and starts its timeout.
func (p *PendingRequests) Register(appID uuid.UUID, kind RequestKind, onTimeout func()) error {
	if err := p.Reserve(appID, kind, onTimeout); err != nil {
		return err
	}
	p.Arm(appID, kind)
	return nil
}

// Reserve records an outstanding request without starting its timeout. It
// fails if one of the same kind is already outstanding for appID; the
// original keeps its deadline. onTimeout runs on its own goroutine.
func (p *PendingRequests) Reserve(appID uuid.UUID, kind RequestKind, onTimeout func()) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := pendingKey{AppID: appID, Kind: kind}
	if _, exists := p.pendingReqs[key]; exists {
		return fmt.Errorf("%s request for app %s already pending", kind, appID)
	}
	delete(p.expired, key)

	p.pendingReqs[key] = &PendingRequest{
		AppID:     appID,
		Kind:      kind,
		Timestamp: time.Now(),
		Timeout:   p.timeout,
		onTimeout: onTimeout,
	}

	log.Tracef("Registered pending request: app=%s, kind=%s", appID, kind)
	return nil
}

// Arm starts the timeout of a reserved request. It returns false when the
// request is no longer outstanding or was already armed.
func (p *PendingRequests) Arm(appID uuid.UUID, kind RequestKind) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	req, exists := p.pendingReqs[pendingKey{AppID: appID, Kind: kind}]
	if !exists || req.timer != nil {
		return false
	}
	req.Timestamp = time.Now()
	req.timer = time.AfterFunc(p.timeout, func() { p.handleTimeout(req) })
	return true
}

// Cancel drops an outstanding request without firing its timeout and
// reports whether one existed.
func (p *PendingRequests) Cancel(appID uuid.UUID, kind RequestKind) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := pendingKey{AppID: appID, Kind: kind}
	req, exists := p.pendingReqs[key]
	if !exists {
		return false
	}
	req.stop()
	delete(p.pendingReqs, key)
	return true
}

func (p *PendingRequests) handleTimeout(req *PendingRequest) {
	key := pendingKey{AppID: req.AppID, Kind: req.Kind}

	p.mutex.Lock()
	current, exists := p.pendingReqs[key]
	if !exists || current != req {
		p.mutex.Unlock()
		return
	}
	delete(p.pendingReqs, key)
	p.expired[key] = struct{}{}
	p.mutex.Unlock()

	log.Warnf("Request timed out: app=%s, kind=%s, age=%v",
		req.AppID, req.Kind, time.Since(req.Timestamp))
	if req.onTimeout != nil {
		req.onTimeout()
	}
}

// Complete removes the outstanding request and reports whether one existed.
// A response arriving after its timeout fired returns false.
func (p *PendingRequests) Complete(appID uuid.UUID, kind RequestKind) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := pendingKey{AppID: appID, Kind: kind}
	req, exists := p.pendingReqs[key]
	if !exists {
		log.Debugf("No pending %s request for app %s", kind, appID)
		return false
	}
	req.stop()
	delete(p.pendingReqs, key)

	log.Tracef("Completing request: app=%s, kind=%s, age=%v",
		appID, kind, time.Since(req.Timestamp))
	return true
}

// Expired reports whether the last request of kind for appID timed out
// with no response since, and forgets it.
func (p *PendingRequests) Expired(appID uuid.UUID, kind RequestKind) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := pendingKey{AppID: appID, Kind: kind}
	if _, exists := p.expired[key]; !exists {
		return false
	}
	delete(p.expired, key)
	return true
}

// Pending reports whether a request is outstanding.
func (p *PendingRequests) Pending(appID uuid.UUID, kind RequestKind) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	_, exists := p.pendingReqs[pendingKey{AppID: appID, Kind: kind}]
	return exists
}

// ClearAll drops every outstanding request without firing timeouts.
func (p *PendingRequests) ClearAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for key, req := range p.pendingReqs {
		req.stop()
		delete(p.pendingReqs, key)
	}
	clear(p.expired)

	log.Debug("Cleared all pending requests")
}

// GetStats returns statistics about the pending request table
func (p *PendingRequests) GetStats() map[string]interface{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return map[string]interface{}{
		"pendingCount":   len(p.pendingReqs),
		"defaultTimeout": p.timeout.String(),
	}
}
