package profile

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/wearlink/pkg/queue"
)

// ConfigurationError reports a registry setup mistake. It is fatal at
// startup.
type ConfigurationError struct {
	Kind Kind
	Char uuid.UUID
	Msg  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("profile: %s: %s", e.Kind, e.Msg)
}

// Registry routes inbound characteristic payloads to profiles
type Registry struct {
	mutex    sync.RWMutex
	profiles []Profile
	byKind   map[Kind]Profile
	byChar   map[uuid.UUID]Profile
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[Kind]Profile),
		byChar: make(map[uuid.UUID]Profile),
	}
}

// Register adds p and claims its characteristics. A second profile of the
// same kind, or one claiming an already claimed characteristic, is
// rejected and nothing is registered.
func (r *Registry) Register(p Profile) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	kind := p.Kind()
	if _, exists := r.byKind[kind]; exists {
		return &ConfigurationError{Kind: kind, Msg: "registered twice"}
	}
	chars := p.Characteristics()
	seen := make(map[uuid.UUID]bool, len(chars))
	for _, c := range chars {
		if owner, exists := r.byChar[c]; exists {
			return &ConfigurationError{Kind: kind, Char: c,
				Msg: fmt.Sprintf("characteristic %s already handled by %s", c, owner.Kind())}
		}
		if seen[c] {
			return &ConfigurationError{Kind: kind, Char: c,
				Msg: fmt.Sprintf("characteristic %s declared twice", c)}
		}
		seen[c] = true
	}

	r.profiles = append(r.profiles, p)
	r.byKind[kind] = p
	for _, c := range chars {
		r.byChar[c] = p
	}
	log.Debugf("Registered profile: %s (%d characteristics)", kind, len(chars))
	return nil
}

// Dispatch hands payload to the profile owning char. It returns false if
// no profile claims char or the owner did not consume the payload.
func (r *Registry) Dispatch(char uuid.UUID, payload []byte) bool {
	r.mutex.RLock()
	p, exists := r.byChar[char]
	r.mutex.RUnlock()

	if !exists {
		log.Debugf("No profile for characteristic %s, ignoring %s", char, hex.EncodeToString(payload))
		return false
	}
	log.Tracef("Dispatching %d bytes on %s to %s", len(payload), char, p.Kind())
	return p.Handle(char, payload)
}

// RequestEnableNotifications lets every profile append its subscription
// operations to tx, in registration order.
func (r *Registry) RequestEnableNotifications(tx *queue.Transaction, enabled bool) {
	for _, p := range r.Profiles() {
		p.EnableNotifications(tx, enabled)
	}
}

// Profiles returns the registered profiles in registration order.
func (r *Registry) Profiles() []Profile {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]Profile(nil), r.profiles...)
}

// Lookup returns the profile of the given kind.
func (r *Registry) Lookup(kind Kind) (Profile, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	p, ok := r.byKind[kind]
	return p, ok
}

// Close releases resources held by profiles that have any.
func (r *Registry) Close() {
	for _, p := range r.Profiles() {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	kinds := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		kinds = append(kinds, p.Kind().String())
	}
	return map[string]interface{}{
		"profiles":        kinds,
		"characteristics": len(r.byChar),
	}
}
