package session

import "github.com/fxamacker/cbor/v2"

var (
	cborEnc, _ = cbor.CanonicalEncOptions().EncMode()
	cborDec, _ = cbor.DecOptions{}.DecMode()
)

// EncodeSend serializes a server-to-client frame for a single WebSocket
// binary message.
func EncodeSend(msg SendMessage) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

// DecodeReceived parses a client-to-server frame from a WebSocket binary
// message.
func DecodeReceived(data []byte) (ReceivedMessage, error) {
	var msg ReceivedMessage
	err := cborDec.Unmarshal(data, &msg)
	return msg, err
}
