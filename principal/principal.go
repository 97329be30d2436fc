// Package principal parses and renders the identity strings the identity
// cache, session protocol, and persistence gateway authorize against.
package principal

import (
	"strings"
)

const cloudAdminString = "r/Colabri-CloudAdmin"

// Kind discriminates the closed set of principal shapes the system
// recognizes. Kept as a tagged sum (Kind + payload fields) rather than a
// bare string so callers pattern-match instead of re-parsing prefixes.
type Kind int

const (
	// User identifies a member of an org: "<org>/u/<uid>".
	User Kind = iota
	// Service identifies a trusted backend caller: "s/<name>".
	Service
	// Role identifies a named role grant: "r/<name>".
	Role
	// OrgAdmin identifies an org's admin flag principal: "<org>/f/admin".
	OrgAdmin
	// CloudAdmin is the single cross-org admin principal.
	CloudAdmin
)

// Principal is a parsed identity string.
type Principal struct {
	Kind Kind
	Org  string // User, OrgAdmin
	UID  string // User
	Name string // Service, Role
}

// Parse decodes a wire principal string into its tagged form. Unrecognized
// shapes are returned as a Role with the raw string as Name — callers that
// only check specific kinds are unaffected. String() renders such a value
// with an "r/" prefix, so it does not reproduce the unrecognized input.
func Parse(s string) Principal {
	if s == cloudAdminString {
		return Principal{Kind: CloudAdmin}
	}
	if strings.HasPrefix(s, "s/") {
		return Principal{Kind: Service, Name: strings.TrimPrefix(s, "s/")}
	}
	if strings.HasPrefix(s, "r/") {
		return Principal{Kind: Role, Name: strings.TrimPrefix(s, "r/")}
	}
	if strings.HasSuffix(s, "/f/admin") {
		return Principal{Kind: OrgAdmin, Org: strings.TrimSuffix(s, "/f/admin")}
	}
	if idx := strings.Index(s, "/u/"); idx >= 0 {
		return Principal{Kind: User, Org: s[:idx], UID: s[idx+len("/u/"):]}
	}
	return Principal{Kind: Role, Name: s}
}

// String renders the canonical wire form.
func (p Principal) String() string {
	switch p.Kind {
	case User:
		return p.Org + "/u/" + p.UID
	case Service:
		return "s/" + p.Name
	case OrgAdmin:
		return p.Org + "/f/admin"
	case CloudAdmin:
		return cloudAdminString
	default:
		return "r/" + p.Name
	}
}

// Set is an unordered collection of principals with prefix/membership
// helpers mirroring original_source's auth.rs free functions.
type Set []string

// IsCloudAdmin reports whether the set contains the cloud-admin principal.
func (s Set) IsCloudAdmin() bool {
	for _, p := range s {
		if p == cloudAdminString {
			return true
		}
	}
	return false
}

// IsService reports whether the set contains "s/<name>".
func (s Set) IsService(name string) bool {
	want := "s/" + name
	for _, p := range s {
		if p == want {
			return true
		}
	}
	return false
}

// IsOrgAdmin reports cloud-admin or "<org>/f/admin" membership.
func (s Set) IsOrgAdmin(org string) bool {
	if s.IsCloudAdmin() {
		return true
	}
	want := org + "/f/admin"
	for _, p := range s {
		if p == want {
			return true
		}
	}
	return false
}

// IsOrgMember reports cloud-admin or any "<org>/u/*" membership.
func (s Set) IsOrgMember(org string) bool {
	if s.IsCloudAdmin() {
		return true
	}
	prefix := org + "/u/"
	for _, p := range s {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// OrgMemberUID returns the uid of the set's membership in org, if any.
func (s Set) OrgMemberUID(org string) (string, bool) {
	prefix := org + "/u/"
	for _, p := range s {
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix), true
		}
	}
	return "", false
}

// EnsureService returns the matching "s/<name>" principal, or the
// cloud-admin principal if the caller is a cloud admin instead, or ok=false
// if neither holds — mirroring original_source's ensure_service, which
// lets cloud admins stand in for any named service.
func (s Set) EnsureService(name string) (string, bool) {
	want := "s/" + name
	for _, p := range s {
		if p == want {
			return want, true
		}
	}
	if s.IsCloudAdmin() {
		return cloudAdminString, true
	}
	return "", false
}

// Contains reports whether p is a member of the set verbatim.
func (s Set) Contains(p string) bool {
	for _, v := range s {
		if v == p {
			return true
		}
	}
	return false
}

// EnsureCloudAdmin returns the cloud-admin principal if present.
func (s Set) EnsureCloudAdmin() (string, bool) {
	if s.IsCloudAdmin() {
		return cloudAdminString, true
	}
	return "", false
}
