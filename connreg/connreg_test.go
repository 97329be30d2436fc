package connreg

import "testing"

func TestBindGetUnbind(t *testing.T) {
	r := New()
	if _, ok := r.Get(1); ok {
		t.Fatal("expected miss before bind")
	}

	r.Bind(1, ConnCtx{UID: "u1", OrgID: "acme"})
	ctx, ok := r.Get(1)
	if !ok || ctx.UID != "u1" || ctx.OrgID != "acme" {
		t.Fatalf("unexpected ctx after bind: %+v %v", ctx, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", r.Len())
	}

	r.Unbind(1)
	if _, ok := r.Get(1); ok {
		t.Fatal("expected miss after unbind")
	}
	if r.Len() != 0 {
		t.Fatalf("expected 0 tracked connections, got %d", r.Len())
	}
}

func TestDistinctConnectionsIsolated(t *testing.T) {
	r := New()
	r.Bind(1, ConnCtx{UID: "u1", OrgID: "acme"})
	r.Bind(2, ConnCtx{UID: "u2", OrgID: "acme"})

	c1, _ := r.Get(1)
	c2, _ := r.Get(2)
	if c1.UID == c2.UID {
		t.Fatal("expected distinct connections to carry distinct contexts")
	}
}
