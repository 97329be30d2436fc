package principal

import "testing"

func TestParseAndString(t *testing.T) {
	cases := []string{
		"acme/u/123e4567-e89b-12d3-a456-426614174000",
		"s/colabri-app",
		"r/Editor",
		"acme/f/admin",
		"r/Colabri-CloudAdmin",
	}
	for _, s := range cases {
		p := Parse(s)
		if got := p.String(); got != s {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestSetHelpers(t *testing.T) {
	s := Set{"acme/u/u1", "r/Editor"}
	if !s.IsOrgMember("acme") {
		t.Error("expected org member")
	}
	if s.IsOrgMember("other") {
		t.Error("unexpected org member for other org")
	}
	if s.IsOrgAdmin("acme") {
		t.Error("member is not admin")
	}

	admin := Set{"r/Colabri-CloudAdmin"}
	if !admin.IsOrgAdmin("acme") || !admin.IsOrgMember("acme") {
		t.Error("cloud admin should satisfy org admin/member checks for any org")
	}

	svc := Set{"s/colabri-app"}
	if p, ok := svc.EnsureService("colabri-app"); !ok || p != "s/colabri-app" {
		t.Errorf("EnsureService failed: %q %v", p, ok)
	}
	if _, ok := svc.EnsureService("other-service"); ok {
		t.Error("should not match a different service name")
	}
	if p, ok := admin.EnsureService("anything"); !ok || p != "r/Colabri-CloudAdmin" {
		t.Errorf("cloud admin should stand in for any service: %q %v", p, ok)
	}
}
