package store

import "testing"

func TestJSONTableFor(t *testing.T) {
	cases := map[string]string{
		"colab-statement": "document_statements",
		"colab-sheet":     "document_sheets",
	}
	for docType, want := range cases {
		got, err := jsonTableFor(docType)
		if err != nil || got != want {
			t.Errorf("jsonTableFor(%q) = %q, %v; want %q, nil", docType, got, err, want)
		}
	}

	if _, err := jsonTableFor("colab-spreadsheet"); err == nil {
		t.Error("expected error for unsupported doc type")
	}
}

func TestDecodeAclsAndStreamsEmpty(t *testing.T) {
	acls, streams, err := decodeAclsAndStreams([]byte("[]"), []byte("[]"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acls) != 0 || len(streams) != 0 {
		t.Fatalf("expected empty slices, got %v %v", acls, streams)
	}
}

func TestDecodeAclsAndStreamsPopulated(t *testing.T) {
	aclsJSON := []byte(`[{"prpl":"o1/u/a","permission":"view"}]`)
	streamsJSON := []byte(`[{"id":"11111111-1111-1111-1111-111111111111","name":"main","version":1,"content":null,"size":0,"created_by":null,"updated_by":null}]`)

	acls, streams, err := decodeAclsAndStreams(aclsJSON, streamsJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acls) != 1 || acls[0].Prpl != "o1/u/a" || acls[0].Permission != "view" {
		t.Fatalf("unexpected acls: %+v", acls)
	}
	if len(streams) != 1 || streams[0].Name != "main" || streams[0].Version != 1 {
		t.Fatalf("unexpected streams: %+v", streams)
	}
}
