package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/connreg"
	"github.com/karstenda/colabri-doc/identity"
	"github.com/karstenda/colabri-doc/room"
	"github.com/karstenda/colabri-doc/session"
)

func TestHandleDiagnosticsEmptyRegistry(t *testing.T) {
	svc := &session.Services{
		Identity: identity.NewCache(&fakeIdentityClient{}),
		ConnReg:  connreg.New(),
		Rooms:    room.NewRegistry(nil, zap.NewNop(), "colabri-export"),
		Logger:   zap.NewNop(),
	}
	a := New(svc, "colabri-export", zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)
	w := httptest.NewRecorder()
	a.handleDiagnostics(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body diagnosticsBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Rooms != 0 || body.Connections != 0 {
		t.Fatalf("expected zeroed diagnostics, got %+v", body)
	}
}
