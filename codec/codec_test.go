package codec

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodePackageRoundTrip(t *testing.T) {
	pkg := ColabPackage{
		Snapshot: []byte{1, 2, 3, 4},
		PeerMap:  map[uint64]string{1: "acme/u/a", 2: "s/colabri-system"},
	}
	b, err := EncodePackage(pkg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePackage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.Snapshot) != string(pkg.Snapshot) {
		t.Fatalf("snapshot mismatch: %v != %v", got.Snapshot, pkg.Snapshot)
	}
	if len(got.PeerMap) != len(pkg.PeerMap) || got.PeerMap[1] != "acme/u/a" {
		t.Fatalf("peer map mismatch: %+v", got.PeerMap)
	}
}

const sampleStatement = `{
  "properties": {"type": "colab-statement", "contentType": "rich-text"},
  "acls": {"view": ["o1/u/a"], "edit": ["o1/u/b"]},
  "content": {
    "en": {
      "acls": {"edit": ["o1/u/b"]},
      "textElement": {
        "nodeName": "root",
        "attributes": {"lang": "en"},
        "children": ["hello world"]
      }
    }
  }
}`

func TestModelToDocStatement(t *testing.T) {
	doc, err := ModelToDoc(1, []byte(sampleStatement))
	if err != nil {
		t.Fatalf("ModelToDoc: %v", err)
	}

	if got := doc.OrSet("acls/view").Values(); len(got) != 1 || got[0] != "o1/u/a" {
		t.Fatalf("unexpected root acls.view: %v", got)
	}
	if got := doc.OrSet("content/en/acls/edit").Values(); len(got) != 1 || got[0] != "o1/u/b" {
		t.Fatalf("unexpected content.en acls.edit: %v", got)
	}

	textPath := "content/en/textElement/children/c0"
	if got := doc.Text(textPath).String(); got != "hello world" {
		t.Fatalf("unexpected text: %q", got)
	}

	if err := ClearDocumentACLs(doc, "colab-statement"); err != nil {
		t.Fatalf("ClearDocumentACLs: %v", err)
	}
	if got := doc.Map("acls").Keys(); len(got) != 0 {
		t.Fatalf("expected root acls cleared, got %v", got)
	}
	if got := doc.Map("content/en/acls").Keys(); len(got) != 0 {
		t.Fatalf("expected content.en acls cleared, got %v", got)
	}
}

func TestDocToJSONRoundTripsShape(t *testing.T) {
	doc, err := ModelToDoc(1, []byte(sampleStatement))
	if err != nil {
		t.Fatalf("ModelToDoc: %v", err)
	}
	b, err := DocToJSON(doc)
	if err != nil {
		t.Fatalf("DocToJSON: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal projected json: %v", err)
	}
	if _, ok := v["acls"]; !ok {
		t.Fatal("expected acls key in projected json")
	}
	if _, ok := v["content"]; !ok {
		t.Fatal("expected content key in projected json")
	}
}

func TestModelToDocUnsupportedType(t *testing.T) {
	_, err := ModelToDoc(1, []byte(`{"properties":{"type":"colab-spreadsheet"},"acls":{},"content":{}}`))
	if err == nil {
		t.Fatal("expected error for unsupported document type")
	}
}
