package model

import "strings"

// Capabilities checked by the decision engine.
const (
	CapSubjectCreate       = "subject:create"
	CapSubjectView         = "subject:view"
	CapProposalSend        = "proposal:send"
	CapProposalDecide      = "proposal:decide"
	CapApprovalDecide      = "document_approval:decide"
	CapChangeOrderDecide   = "change_order:decide"
	CapNotificationRead    = "notification:read"
	CapNotificationReadAll = "notification:read:all"
)

// Capabilities lists every capability the engine checks.
var Capabilities = []string{
	CapSubjectCreate,
	CapSubjectView,
	CapProposalSend,
	CapProposalDecide,
	CapApprovalDecide,
	CapChangeOrderDecide,
	CapNotificationRead,
	CapNotificationReadAll,
}

// KnownCapability reports whether pattern grants at least one capability in
// Capabilities.
func KnownCapability(pattern string) bool {
	set := CapabilitySet{pattern: true}
	for _, c := range Capabilities {
		if set.Has(c) {
			return true
		}
	}
	return false
}

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "proposal:decide") and may include wildcards
// (e.g. "proposal:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities (including
// via wildcards).
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                 matches anything
//	"proposal:*"        matches "proposal:decide"
//	"proposal:decide"   does NOT match "proposal:decide:all"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given actor and tenant.
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}

// PolicyEvaluator is the backend implementation that resolves capabilities
// from roles.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
}
