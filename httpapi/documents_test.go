package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/karstenda/colabri-doc/crdt"
)

func TestPathDocOrgParsesVars(t *testing.T) {
	docID := uuid.New()
	r := httptest.NewRequest(http.MethodGet, "/v1/acme/documents/"+docID.String(), nil)
	r = mux.SetURLVars(r, map[string]string{"org": "acme", "doc": docID.String()})

	org, got, err := pathDocOrg(r)
	if err != nil {
		t.Fatalf("pathDocOrg: %v", err)
	}
	if org != "acme" || got != docID {
		t.Fatalf("unexpected org/doc: %q %v", org, got)
	}
}

func TestPathDocOrgRejectsBadUUID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/acme/documents/not-a-uuid", nil)
	r = mux.SetURLVars(r, map[string]string{"org": "acme", "doc": "not-a-uuid"})

	if _, _, err := pathDocOrg(r); err == nil {
		t.Fatal("expected error for malformed doc id")
	}
}

func TestWriteDocBodyJSONFormat(t *testing.T) {
	doc := crdt.NewDoc(1)
	doc.CreateMap("properties")

	r := httptest.NewRequest(http.MethodGet, "/v1/acme/documents/x?format=json", nil)
	w := httptest.NewRecorder()
	writeDocBody(w, r, doc, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWriteDocBodyBinaryFormat(t *testing.T) {
	doc := crdt.NewDoc(1)

	r := httptest.NewRequest(http.MethodGet, "/v1/acme/documents/x?format=binary", nil)
	w := httptest.NewRecorder()
	writeDocBody(w, r, doc, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
