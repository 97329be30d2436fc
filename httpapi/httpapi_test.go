package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/connreg"
	"github.com/karstenda/colabri-doc/identity"
	"github.com/karstenda/colabri-doc/principal"
	"github.com/karstenda/colabri-doc/session"
)

type fakeIdentityClient struct {
	prpls map[string][]string
}

func (f *fakeIdentityClient) GetPrincipals(ctx context.Context, uid string) ([]string, error) {
	return f.prpls[uid], nil
}

func testAPI(secret string) *API {
	svc := &session.Services{
		Identity:  identity.NewCache(&fakeIdentityClient{}),
		ConnReg:   connreg.New(),
		JWTSecret: secret,
		Logger:    zap.NewNop(),
	}
	return New(svc, "colabri-export", zap.NewNop())
}

func signServiceToken(t *testing.T, secret, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "type": "service"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAuthMiddlewareAllowsMatchingService(t *testing.T) {
	a := testAPI("s3cret")
	tok := signServiceToken(t, "s3cret", "colabri-export")

	var reached bool
	h := a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		if !principalsFrom(r).IsService("colabri-export") {
			t.Fatal("expected caller principal set in request context")
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if !reached {
		t.Fatal("expected handler to be invoked")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthMiddlewareRejectsOtherService(t *testing.T) {
	a := testAPI("s3cret")
	tok := signServiceToken(t, "s3cret", "some-other-service")

	h := a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAuthMiddlewareAllowsCloudAdminRole(t *testing.T) {
	a := testAPI("s3cret")
	claims := jwt.MapClaims{"sub": "u1", "type": "user", "roles": []string{"Colabri-CloudAdmin"}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var reached bool
	h := a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if !reached || w.Code != http.StatusOK {
		t.Fatalf("expected cloud admin role to pass middleware, got code %d", w.Code)
	}
}

func TestAuthMiddlewareRejectsMissingBearer(t *testing.T) {
	a := testAPI("s3cret")
	h := a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestPrincipalsFromDefaultsToNil(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	if got := principalsFrom(r); got != nil {
		t.Fatalf("expected nil principal set, got %v", got)
	}
}

func TestCallerPrplFallsBackToServiceName(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	if got := callerPrpl(r, "colabri-export"); got != "s/colabri-export" {
		t.Fatalf("unexpected fallback principal: %q", got)
	}
}

func TestCallerPrplPrefersResolvedServicePrincipal(t *testing.T) {
	ctx := context.WithValue(context.Background(), principalsKey, principal.Set{"s/colabri-export"})
	r := httptest.NewRequest(http.MethodGet, "/v1/x", nil).WithContext(ctx)
	if got := callerPrpl(r, "colabri-export"); got != "s/colabri-export" {
		t.Fatalf("unexpected principal: %q", got)
	}
}

func TestParseUint64(t *testing.T) {
	v, err := parseUint64("42")
	if err != nil || v != 42 {
		t.Fatalf("parseUint64(42) = %d, %v", v, err)
	}
	if _, err := parseUint64("-1"); err == nil {
		t.Fatal("expected error for negative input")
	}
	if _, err := parseUint64("12a"); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}
