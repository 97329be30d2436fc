package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/connreg"
	"github.com/karstenda/colabri-doc/errs"
	"github.com/karstenda/colabri-doc/identity"
	"github.com/karstenda/colabri-doc/principal"
)

type fakeIdentityClient struct {
	prpls map[string][]string
}

func (f *fakeIdentityClient) GetPrincipals(ctx context.Context, uid string) ([]string, error) {
	return f.prpls[uid], nil
}

func testServices(secret string, prpls map[string][]string) *Services {
	return &Services{
		Identity:  identity.NewCache(&fakeIdentityClient{prpls: prpls}),
		ConnReg:   connreg.New(),
		JWTSecret: secret,
		Logger:    zap.NewNop(),
	}
}

func signToken(t *testing.T, secret string, claims jwtClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestHandshakeServiceToken(t *testing.T) {
	svc := testServices("s3cret", nil)
	c := NewConn(1, nil, svc)

	tok := signToken(t, "s3cret", jwtClaims{Sub: "colabri-export", Type: "service"})
	if err := c.Handshake(context.Background(), tok, "acme"); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !c.isSystem {
		t.Fatal("expected service token to mark connection as system")
	}
	if got := c.byPrpl(); got != "s/colabri-export" {
		t.Fatalf("unexpected byPrpl: %q", got)
	}
}

func TestHandshakeUserTokenAddsRolesAndRequiresOrgMembership(t *testing.T) {
	svc := testServices("s3cret", map[string][]string{"u1": {"acme/u/u1"}})
	c := NewConn(2, nil, svc)

	tok := signToken(t, "s3cret", jwtClaims{Sub: "u1", Type: "user", Roles: []string{"Colabri-CloudAdmin"}})
	if err := c.Handshake(context.Background(), tok, "acme"); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !contains(c.prpls, "r/Colabri-CloudAdmin") {
		t.Fatalf("expected role claim to be appended, got %v", c.prpls)
	}
	if got := c.byPrpl(); got != "acme/u/u1" {
		t.Fatalf("unexpected byPrpl: %q", got)
	}

	if _, bound := svc.ConnReg.Get(2); !bound {
		t.Fatal("expected handshake to bind the connection registry")
	}
}

func TestHandshakeRejectsUserNotInOrg(t *testing.T) {
	svc := testServices("s3cret", map[string][]string{"u1": {"other/u/u1"}})
	c := NewConn(3, nil, svc)

	tok := signToken(t, "s3cret", jwtClaims{Sub: "u1", Type: "user"})
	err := c.Handshake(context.Background(), tok, "acme")
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	svc := testServices("s3cret", nil)
	c := NewConn(4, nil, svc)

	tok := signToken(t, "wrong-secret", jwtClaims{Sub: "svc", Type: "service"})
	err := c.Handshake(context.Background(), tok, "acme")
	if errs.KindOf(err) != errs.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestHandshakeRejectsUnknownTokenType(t *testing.T) {
	svc := testServices("s3cret", nil)
	c := NewConn(5, nil, svc)

	tok := signToken(t, "s3cret", jwtClaims{Sub: "x", Type: "robot"})
	err := c.Handshake(context.Background(), tok, "acme")
	if errs.KindOf(err) != errs.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestContainsHelper(t *testing.T) {
	s := principal.Set{"a", "b"}
	if !contains(s, "a") || contains(s, "c") {
		t.Fatal("contains behaved unexpectedly")
	}
}

func TestJWTClaimsExpiryHonored(t *testing.T) {
	svc := testServices("s3cret", nil)
	c := NewConn(6, nil, svc)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Sub:  "svc",
		Type: "service",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	tok, err := expired.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := c.Handshake(context.Background(), tok, "acme"); errs.KindOf(err) != errs.KindUnauthorized {
		t.Fatalf("expected unauthorized for expired token, got %v", err)
	}
}
