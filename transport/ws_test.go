package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/karstenda/colabri-doc/session"
)

func newTestRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, url, nil)
}

func TestParseKeyRoundTrips(t *testing.T) {
	id := uuid.New()
	key, err := parseKey("colab-statement", id.String())
	if err != nil {
		t.Fatalf("parseKey: %v", err)
	}
	if key.Kind != "colab-statement" || key.DocID != id {
		t.Fatalf("unexpected key: %+v", key)
	}
}

func TestParseKeyRejectsBadUUID(t *testing.T) {
	if _, err := parseKey("colab-statement", "not-a-uuid"); err == nil {
		t.Fatal("expected error for malformed docId")
	}
}

func TestBearerTokenPrefersHeaderOverQuery(t *testing.T) {
	r := newTestRequest(t, "https://example.com/ws/acme?token=query-token")
	r.Header.Set("Authorization", "Bearer header-token")
	if got := bearerToken(r); got != "header-token" {
		t.Fatalf("expected header token, got %q", got)
	}
}

func TestBearerTokenFallsBackToQuery(t *testing.T) {
	r := newTestRequest(t, "https://example.com/ws/acme?token=query-token")
	if got := bearerToken(r); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}
}

func TestReceivedMessageWireRoundTrip(t *testing.T) {
	docID := uuid.New()
	original := session.ReceivedMessage{
		Type: "update",
		Update: &session.UpdateMessage{
			DocID: docID.String(),
			Kind:  "colab-statement",
			Delta: []byte{9, 8, 7},
		},
	}
	b, err := session.EncodeSend(session.SendMessage{Type: "update", Update: original.Update})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := session.DecodeReceived(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Update == nil || decoded.Update.DocID != docID.String() || string(decoded.Update.Delta) != string([]byte{9, 8, 7}) {
		t.Fatalf("unexpected round trip: %+v", decoded.Update)
	}
}
