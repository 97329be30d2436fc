package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample(peer uint64) *Doc {
	d := NewDoc(peer)
	root := d.Map("")
	props := d.CreateMap("properties")
	root.SetContainer("properties", "properties")
	props.Set("title", "hello world")

	acls := d.CreateOrSet("acls/edit")
	root.SetContainer("acls", "acls/edit")
	acls.Add("u/acme/u/1")
	acls.Add("u/acme/u/2")

	body := d.CreateText("body")
	root.SetContainer("body", "body")
	body.SetAll("abc")
	return d
}

func TestDeepValueRoundTrip(t *testing.T) {
	d := buildSample(7)
	before := d.DeepValue()

	data, err := d.Export(ExportSnapshot, nil)
	require.NoError(t, err)

	d2 := NewDoc(0)
	require.NoError(t, d2.Import(data))
	after := d2.DeepValue()

	assert.Equal(t, before, after)
	assert.Equal(t, uint64(7), d2.PeerID())
}

func TestImportBatchAdvancesSinglePeer(t *testing.T) {
	d := buildSample(1)
	before := d.StateVV()

	update := Update{Ops: []Op{{Peer: 99, Counter: 1, Kind: "orset-add", Path: "acls/edit", Value: wrapValue("u/acme/u/3")}}}
	advanced, err := d.ImportBatch(update)
	require.NoError(t, err)

	require.Len(t, advanced, 1)
	ctr, ok := advanced[99]
	require.True(t, ok)
	assert.Equal(t, uint64(1), ctr)
	assert.NotEqual(t, before[99], d.StateVV()[99])

	acls := d.OrSet("acls/edit").Values()
	assert.Contains(t, acls, "u/acme/u/3")
}

func TestCloneIsIndependentCopy(t *testing.T) {
	d := buildSample(1)
	before := d.DeepValue()

	clone, err := d.Clone()
	require.NoError(t, err)
	assert.Equal(t, before, clone.DeepValue())
	assert.Equal(t, d.PeerID(), clone.PeerID())

	update := Update{Ops: []Op{{Peer: 99, Counter: 1, Kind: "orset-add", Path: "acls/edit", Value: wrapValue("u/acme/u/3")}}}
	_, err = clone.ImportBatch(update)
	require.NoError(t, err)

	assert.NotEqual(t, before, clone.DeepValue())
	assert.Equal(t, before, d.DeepValue(), "mutating the clone must not affect the original")
}

func TestCheckoutDoesNotMutateLiveState(t *testing.T) {
	d := buildSample(1)
	mid := d.StateVV().Clone()

	d.OrSet("acls/edit").Add("u/acme/u/4")
	latest := d.DeepValue()

	snapshotAtMid := d.Checkout(mid)

	assert.NotEqual(t, latest, snapshotAtMid)
	// live state must be unaffected by the checkout read
	assert.Equal(t, latest, d.DeepValue())
}

func TestRGAConcurrentInsertDeterministic(t *testing.T) {
	r1 := NewRGA()
	r2 := NewRGA()

	n1 := r1.Insert(RGANodeID{}, 'x', "peerA")
	n2 := r2.Insert(RGANodeID{}, 'y', "peerB")

	require.NoError(t, r1.Apply(n2))
	require.NoError(t, r2.Apply(n1))

	assert.Equal(t, r1.Text(), r2.Text())
}

func TestVClockHappensBefore(t *testing.T) {
	a := VClock{"n1": 1, "n2": 2}
	b := a.Increment("n1")
	assert.True(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
	assert.False(t, a.Concurrent(b))

	c := VClock{"n1": 0, "n2": 3}
	assert.True(t, a.Concurrent(c))
}
