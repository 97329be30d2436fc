package crdt

import "github.com/fxamacker/cbor/v2"

var (
	cborEnc, _ = cbor.CanonicalEncOptions().EncMode()
	cborDec, _ = cbor.DecOptions{}.DecMode()
)

func encodeSnapshot(w snapshotWire) ([]byte, error) {
	return cborEnc.Marshal(w)
}

func decodeSnapshot(data []byte) (snapshotWire, error) {
	var w snapshotWire
	err := cborDec.Unmarshal(data, &w)
	return w, err
}

// EncodeUpdate serializes an Update for wire transmission.
func EncodeUpdate(u Update) ([]byte, error) {
	return cborEnc.Marshal(u)
}

// DecodeUpdate parses a wire update produced by EncodeUpdate.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	err := cborDec.Unmarshal(data, &u)
	return u, err
}

// NewLocalUpdate builds a single-op Update for a local field write that a
// caller wants to transmit as a client-originated edit (used by tests and
// by any future same-process writer; the session layer normally just
// forwards an already-encoded remote update instead of rebuilding one).
func NewLocalUpdate(peer, counter uint64, field string, value any) Update {
	return Update{Ops: []Op{{
		Peer: peer, Counter: counter, Kind: "set", Field: field, Value: wrapValue(value),
	}}}
}
