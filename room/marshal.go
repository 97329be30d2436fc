package room

import (
	"encoding/json"

	"github.com/karstenda/colabri-doc/crdt"
)

func marshalVV(vv crdt.Frontier) ([]byte, error) {
	m := make(map[string]uint64, len(vv))
	for peer, ctr := range vv {
		m[itoa(peer)] = ctr
	}
	return json.Marshal(m)
}

func marshalPeerMap(pm map[uint64]string) ([]byte, error) {
	m := make(map[string]string, len(pm))
	for peer, prpl := range pm {
		m[itoa(peer)] = prpl
	}
	return json.Marshal(m)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
