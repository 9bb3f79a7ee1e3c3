package netproxy

import (
	"strings"
	"sync"
)

// KindNetwork is the permission a device needs for proxied fetches.
const KindNetwork = "network"

// Permission decides whether a device may use a host capability.
type Permission interface {
	IsPermitted(kind, device string) bool
}

// PermissionFunc adapts a function to Permission
type PermissionFunc func(kind, device string) bool

func (f PermissionFunc) IsPermitted(kind, device string) bool { return f(kind, device) }

// StaticPolicy grants permission kinds to fixed device addresses. The
// address "*" grants a kind to every device.
type StaticPolicy struct {
	mutex  sync.RWMutex
	grants map[string]map[string]bool
}

// NewStaticPolicy creates a policy from a kind to addresses map
func NewStaticPolicy(grants map[string][]string) *StaticPolicy {
	p := &StaticPolicy{grants: make(map[string]map[string]bool)}
	for kind, addresses := range grants {
		for _, a := range addresses {
			p.Grant(kind, a)
		}
	}
	return p
}

// Grant allows device to use kind
func (p *StaticPolicy) Grant(kind, device string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	set, ok := p.grants[kind]
	if !ok {
		set = make(map[string]bool)
		p.grants[kind] = set
	}
	set[normalize(device)] = true
}

// Revoke removes a grant made by Grant or the constructor
func (p *StaticPolicy) Revoke(kind, device string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.grants[kind], normalize(device))
}

func (p *StaticPolicy) IsPermitted(kind, device string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	set := p.grants[kind]
	return set["*"] || set[normalize(device)]
}

func normalize(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
