package identity

import (
	"context"
	"testing"

	"github.com/karstenda/colabri-doc/principal"
)

type fakeClient struct {
	calls int
	prpls []string
	err   error
}

func (f *fakeClient) GetPrincipals(ctx context.Context, uid string) ([]string, error) {
	f.calls++
	return f.prpls, f.err
}

func TestGetOrFetchCachesAcrossCalls(t *testing.T) {
	fc := &fakeClient{prpls: []string{"acme/u/u1"}}
	c := NewCache(fc)

	uctx, err := c.GetOrFetch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if !uctx.Principals.IsOrgMember("acme") {
		t.Fatalf("expected acme membership, got %v", uctx.Principals)
	}

	if _, err := c.GetOrFetch(context.Background(), "u1"); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", fc.calls)
	}
}

func TestPeekMissesBeforeAnyFetch(t *testing.T) {
	c := NewCache(&fakeClient{})
	if _, ok := c.Peek("nobody"); ok {
		t.Fatal("expected peek miss before any fetch")
	}
}

func TestPeekHitsAfterFetch(t *testing.T) {
	fc := &fakeClient{prpls: []string{"acme/u/u1"}}
	c := NewCache(fc)
	if _, err := c.GetOrFetch(context.Background(), "u1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok := c.Peek("u1"); !ok {
		t.Fatal("expected peek hit after fetch")
	}
}

func TestLenReflectsCachedEntries(t *testing.T) {
	c := NewCache(&fakeClient{prpls: []string{"acme/u/u1"}})
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	if _, err := c.GetOrFetch(context.Background(), "u1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", c.Len())
	}
}

func TestGetUserPrincipalRequiresMembership(t *testing.T) {
	uctx := UserCtx{Principals: principal.Set{"other/u/u1"}}
	if _, ok := uctx.GetUserPrincipal("acme"); ok {
		t.Fatal("expected no membership for a different org")
	}
	if p, ok := uctx.GetUserPrincipal("other"); !ok || p != "other/u/u1" {
		t.Fatalf("expected other/u/u1, got %q, %v", p, ok)
	}
}

func TestParsePrincipalsJSONAcceptsBareArrayOrWrapped(t *testing.T) {
	if got := parsePrincipalsJSON([]byte(`["a","b"]`)); len(got) != 2 {
		t.Fatalf("expected bare array parsed, got %v", got)
	}
	if got := parsePrincipalsJSON([]byte(`{"prpls":["a"]}`)); len(got) != 1 {
		t.Fatalf("expected wrapped array parsed, got %v", got)
	}
}
