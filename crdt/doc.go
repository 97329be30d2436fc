package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExportMode selects what Doc.Export produces.
type ExportMode int

const (
	// ExportSnapshot exports the full oplog: importing it elsewhere
	// reconstructs the complete, current state and version vector.
	ExportSnapshot ExportMode = iota
	// ExportStateOnly exports only the ops causally at-or-before a given
	// frontier, enough to reconstruct that historical state and nothing
	// newer. Used by the admin version-checkout endpoint, which must
	// never mutate persisted state.
	ExportStateOnly
)

// Frontier is a version vector: peer → highest per-peer op counter
// included. A peer absent from the map contributes nothing.
type Frontier map[uint64]uint64

// Clone returns a deep copy.
func (f Frontier) Clone() Frontier {
	c := make(Frontier, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

// ContainerRef is the value stored in a map field or list item when it
// points at another container rather than a scalar — the same "container
// as value" idea Loro itself uses for nested LoroMap/LoroList/LoroText.
type ContainerRef struct {
	Path string
}

// containerKind tags what CRDT a given path is backed by.
type containerKind string

const (
	kindMap      containerKind = "map"
	kindOrSet    containerKind = "orset"
	kindText     containerKind = "text"
	kindList     containerKind = "list"
	kindRegister containerKind = "register"
)

type listItem struct {
	id    string
	after string
	value any
}

type container struct {
	kind   containerKind
	fields map[string]any // kindMap
	set    *ORSet         // kindOrSet
	text   *RGA           // kindText
	reg    *LWWRegister[any]
	items  []listItem // kindList, insertion order
}

// Op is one mutation recorded in the oplog, attributed to a peer and that
// peer's local per-op counter, plus a server-arrival sequence number used
// to replay ops in the order they were actually admitted.
type Op struct {
	Peer    uint64
	Counter uint64
	Seq     uint64
	Kind    string // create|set|clear|orset-add|orset-rm|ins-text|del-text|ins-item|del-item|reg-set
	Path    string
	Field   string
	ItemID  string
	After   string
	Value   opValue
	Kind2   containerKind // container kind for "create"
}

// opValue is Op's payload, encoded as a small closed tagged union instead
// of a bare `any` so it survives a CBOR round trip with its concrete Go
// type intact — decoding straight into `any` would turn a rune into an
// int64 and a ContainerRef into a bare map, breaking the type assertions
// op application relies on.
type opValue struct {
	T   string // str|rune|ref|json|nil
	S   string
	R   int32
	Ref *ContainerRef `cbor:",omitempty"`
	J   []byte        `cbor:",omitempty"`
}

func wrapValue(v any) opValue {
	switch x := v.(type) {
	case nil:
		return opValue{T: "nil"}
	case string:
		return opValue{T: "str", S: x}
	case rune:
		return opValue{T: "rune", R: int32(x)}
	case ContainerRef:
		return opValue{T: "ref", Ref: &x}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return opValue{T: "nil"}
		}
		return opValue{T: "json", J: b}
	}
}

func (o opValue) unwrap() any {
	switch o.T {
	case "str":
		return o.S
	case "rune":
		return rune(o.R)
	case "ref":
		if o.Ref == nil {
			return nil
		}
		return *o.Ref
	case "json":
		var v any
		_ = json.Unmarshal(o.J, &v)
		return v
	default:
		return nil
	}
}

// Doc is the in-process realization of a colabri document's CRDT state: a
// named-container tree plus the bookkeeping (peer id, version vector,
// oplog) that gives callers exactly the operations the room/session/codec
// layers need (import, import-batch, export, checkout, deep value).
//
// Concurrency model: every local edit and every inbound peer update takes
// the Doc's own mutex for the duration of the op, so the oplog here is
// always a total, linear order — there is no branch merge to perform. That is sufficient for every invariant this server needs to
// hold; true offline multi-writer merge is explicitly out of scope.
type Doc struct {
	mu         sync.Mutex
	peer       uint64
	localCtr   uint64
	seq        uint64
	ops        []Op
	vv         Frontier
	containers map[string]*container
}

// NewDoc creates an empty document bound to peer.
func NewDoc(peer uint64) *Doc {
	d := &Doc{
		peer:       peer,
		vv:         make(Frontier),
		containers: make(map[string]*container),
	}
	d.containers[""] = &container{kind: kindMap, fields: map[string]any{}}
	return d
}

// PeerID returns this replica's peer id.
func (d *Doc) PeerID() uint64 {
	return d.peer
}

// StateVV returns a copy of the current version vector.
func (d *Doc) StateVV() Frontier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Clone()
}

// OplogVV returns the version vector implied by the full oplog. In this
// server-authoritative engine the oplog is always linear, so it equals
// StateVV; kept as a separate accessor since callers name both distinctly.
func (d *Doc) OplogVV() Frontier {
	return d.StateVV()
}

// VVToFrontiers is the identity projection in this engine: a version
// vector already is a frontier. Exposed so call sites match the Loro
// operation names spec §4 lists.
func (d *Doc) VVToFrontiers(vv Frontier) Frontier {
	return vv.Clone()
}

// StateFrontiers returns the frontier of the current state (== StateVV).
func (d *Doc) StateFrontiers() Frontier {
	return d.StateVV()
}

// Commit is a no-op finalize point: every builder/apply call below takes
// effect immediately, unlike Loro's buffered-transaction model. Exposed so
// callers that mirror the original's explicit `doc.commit()` calls compile
// unchanged in spirit.
func (d *Doc) Commit() {}

func nextPath(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "/" + seg
}

// ─────────────────────────────────────────────────────────────
// local mutation (builder side — used by codec to construct a doc from a
// decoded colab model, and internally to apply the local peer's own edits)
// ─────────────────────────────────────────────────────────────

func (d *Doc) nextOp(kind string) Op {
	d.localCtr++
	d.seq++
	return Op{Peer: d.peer, Counter: d.localCtr, Seq: d.seq, Kind: kind}
}

func (d *Doc) recordLocked(op Op) {
	d.ops = append(d.ops, op)
	if op.Counter > d.vv[op.Peer] {
		d.vv[op.Peer] = op.Counter
	}
	d.applyLocked(op)
}

// CreateMap ensures a map container exists at path and returns a handle.
func (d *Doc) CreateMap(path string) *MapHandle {
	d.mu.Lock()
	op := d.nextOp("create")
	op.Path = path
	op.Kind2 = kindMap
	d.recordLocked(op)
	d.mu.Unlock()
	return &MapHandle{d: d, path: path}
}

// CreateOrSet ensures an OR-Set container exists at path.
func (d *Doc) CreateOrSet(path string) *OrSetHandle {
	d.mu.Lock()
	op := d.nextOp("create")
	op.Path = path
	op.Kind2 = kindOrSet
	d.recordLocked(op)
	d.mu.Unlock()
	return &OrSetHandle{d: d, path: path}
}

// CreateText ensures a text (RGA) container exists at path.
func (d *Doc) CreateText(path string) *TextHandle {
	d.mu.Lock()
	op := d.nextOp("create")
	op.Path = path
	op.Kind2 = kindText
	d.recordLocked(op)
	d.mu.Unlock()
	return &TextHandle{d: d, path: path}
}

// CreateList ensures a list container exists at path.
func (d *Doc) CreateList(path string) *ListHandle {
	d.mu.Lock()
	op := d.nextOp("create")
	op.Path = path
	op.Kind2 = kindList
	d.recordLocked(op)
	d.mu.Unlock()
	return &ListHandle{d: d, path: path}
}

// CreateRegister ensures a register container exists at path.
func (d *Doc) CreateRegister(path string) *RegisterHandle {
	d.mu.Lock()
	op := d.nextOp("create")
	op.Path = path
	op.Kind2 = kindRegister
	d.recordLocked(op)
	d.mu.Unlock()
	return &RegisterHandle{d: d, path: path}
}

// Map returns a handle to an existing map container (panics-free: callers
// should have created it first via CreateMap or by importing a doc).
func (d *Doc) Map(path string) *MapHandle { return &MapHandle{d: d, path: path} }

// OrSet returns a handle to an existing OR-Set container.
func (d *Doc) OrSet(path string) *OrSetHandle { return &OrSetHandle{d: d, path: path} }

// Text returns a handle to an existing text container.
func (d *Doc) Text(path string) *TextHandle { return &TextHandle{d: d, path: path} }

// List returns a handle to an existing list container.
func (d *Doc) List(path string) *ListHandle { return &ListHandle{d: d, path: path} }

// Register returns a handle to an existing register container.
func (d *Doc) Register(path string) *RegisterHandle { return &RegisterHandle{d: d, path: path} }

// ─────────────────────────────────────────────────────────────
// handles
// ─────────────────────────────────────────────────────────────

// MapHandle is a named map container bound to a path in a Doc.
type MapHandle struct {
	d    *Doc
	path string
}

// Set assigns a scalar or ContainerRef value to key.
func (h *MapHandle) Set(key string, value any) {
	h.d.mu.Lock()
	op := h.d.nextOp("set")
	op.Path = h.path
	op.Field = key
	op.Value = wrapValue(value)
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// SetContainer links a child container into this map under key.
func (h *MapHandle) SetContainer(key, childPath string) {
	h.Set(key, ContainerRef{Path: childPath})
}

// Clear removes every field from the map.
func (h *MapHandle) Clear() {
	h.d.mu.Lock()
	op := h.d.nextOp("clear")
	op.Path = h.path
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// Get returns the raw (possibly ContainerRef) value at key.
func (h *MapHandle) Get(key string) (any, bool) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	c := h.d.containers[h.path]
	if c == nil || c.kind != kindMap {
		return nil, false
	}
	v, ok := c.fields[key]
	return v, ok
}

// Keys returns the map's current field names, sorted.
func (h *MapHandle) Keys() []string {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	c := h.d.containers[h.path]
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.fields))
	for k := range c.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OrSetHandle is an OR-Set container, used for ACL principal lists.
type OrSetHandle struct {
	d    *Doc
	path string
}

// Add adds value to the set.
func (h *OrSetHandle) Add(value string) {
	h.d.mu.Lock()
	op := h.d.nextOp("orset-add")
	op.Path = h.path
	op.Value = wrapValue(value)
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// Remove removes value from the set.
func (h *OrSetHandle) Remove(value string) {
	h.d.mu.Lock()
	op := h.d.nextOp("orset-rm")
	op.Path = h.path
	op.Value = wrapValue(value)
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// Values returns the set's current members, sorted.
func (h *OrSetHandle) Values() []string {
	h.d.mu.Lock()
	c := h.d.containers[h.path]
	h.d.mu.Unlock()
	if c == nil || c.set == nil {
		return nil
	}
	return c.set.Values()
}

// TextHandle is an RGA text container.
type TextHandle struct {
	d    *Doc
	path string
}

// SetAll replaces the text's content wholesale — used when building a
// document from a decoded colab model, where the initial text is known in
// full rather than typed character by character.
func (h *TextHandle) SetAll(s string) {
	h.d.mu.Lock()
	c := h.d.containers[h.path]
	if c == nil || c.text == nil {
		h.d.mu.Unlock()
		return
	}
	prevID := RGANodeID{}
	for _, ch := range s {
		op := h.d.nextOp("ins-text")
		op.Path = h.path
		op.Value = wrapValue(ch)
		op.After = fmt.Sprintf("%d:%s", prevID.Seq, prevID.NodeID)
		h.d.recordLocked(op)
		prevID = RGANodeID{Seq: op.Counter, NodeID: peerStr(op.Peer)}
	}
	h.d.mu.Unlock()
}

// InsertAt inserts ch after the character whose (peer,counter) identity is
// given by afterPeer/afterCounter (zero values mean "at the start").
func (h *TextHandle) InsertAt(afterPeer, afterCounter uint64, ch rune) Op {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	op := h.d.nextOp("ins-text")
	op.Path = h.path
	op.Value = wrapValue(ch)
	op.After = fmt.Sprintf("%d:%s", afterCounter, peerStr(afterPeer))
	h.d.recordLocked(op)
	return op
}

// DeleteAt tombstones the character identified by (peer,counter).
func (h *TextHandle) DeleteAt(peer, counter uint64) Op {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	op := h.d.nextOp("del-text")
	op.Path = h.path
	op.After = fmt.Sprintf("%d:%s", counter, peerStr(peer))
	h.d.recordLocked(op)
	return op
}

// String returns the text's current content.
func (h *TextHandle) String() string {
	h.d.mu.Lock()
	c := h.d.containers[h.path]
	h.d.mu.Unlock()
	if c == nil || c.text == nil {
		return ""
	}
	return c.text.Text()
}

// ListHandle is an ordered, insert/delete (not move) list container.
type ListHandle struct {
	d    *Doc
	path string
}

// Insert places value after the item with id afterID ("" means "at head")
// under the new item id itemID.
func (h *ListHandle) Insert(afterID, itemID string, value any) {
	h.d.mu.Lock()
	op := h.d.nextOp("ins-item")
	op.Path = h.path
	op.After = afterID
	op.ItemID = itemID
	op.Value = wrapValue(value)
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// InsertContainer is a convenience for inserting a reference to a child
// container as a list item.
func (h *ListHandle) InsertContainer(afterID, itemID, childPath string) {
	h.Insert(afterID, itemID, ContainerRef{Path: childPath})
}

// Delete removes the item with id itemID.
func (h *ListHandle) Delete(itemID string) {
	h.d.mu.Lock()
	op := h.d.nextOp("del-item")
	op.Path = h.path
	op.ItemID = itemID
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// Items returns the list's current values in order.
func (h *ListHandle) Items() []any {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	c := h.d.containers[h.path]
	if c == nil {
		return nil
	}
	out := make([]any, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it.value)
	}
	return out
}

// ItemIDs returns the list's current item ids in order.
func (h *ListHandle) ItemIDs() []string {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	c := h.d.containers[h.path]
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.items))
	for _, it := range c.items {
		ids = append(ids, it.id)
	}
	return ids
}

// RegisterHandle is an LWW scalar register, used for single-writer-wins
// document properties (type, content-type, language code, ...).
type RegisterHandle struct {
	d    *Doc
	path string
}

// Set assigns value, timestamped now and attributed to the local peer.
func (h *RegisterHandle) Set(value any) {
	h.d.mu.Lock()
	op := h.d.nextOp("reg-set")
	op.Path = h.path
	op.Value = wrapValue(value)
	h.d.recordLocked(op)
	h.d.mu.Unlock()
}

// Get returns the register's current value.
func (h *RegisterHandle) Get() any {
	h.d.mu.Lock()
	c := h.d.containers[h.path]
	h.d.mu.Unlock()
	if c == nil || c.reg == nil {
		return nil
	}
	v, _ := c.reg.Get()
	return v
}

func peerStr(p uint64) string {
	return fmt.Sprintf("p%d", p)
}

// ─────────────────────────────────────────────────────────────
// op application / replay
// ─────────────────────────────────────────────────────────────

func (d *Doc) getOrMakeContainer(path string, kind containerKind) *container {
	c, ok := d.containers[path]
	if ok {
		return c
	}
	c = &container{kind: kind}
	switch kind {
	case kindMap:
		c.fields = map[string]any{}
	case kindOrSet:
		c.set = NewORSet()
	case kindText:
		c.text = NewRGA()
	case kindRegister:
		c.reg = &LWWRegister[any]{}
	case kindList:
		c.items = nil
	}
	d.containers[path] = c
	return c
}

func parseAfter(s string) RGANodeID {
	if s == "" {
		return RGANodeID{}
	}
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return RGANodeID{}
	}
	var counter uint64
	fmt.Sscanf(s[:idx], "%d", &counter)
	return RGANodeID{Seq: counter, NodeID: s[idx+1:]}
}

// applyLocked mutates the container tree for a single op. Must hold d.mu.
func (d *Doc) applyLocked(op Op) {
	switch op.Kind {
	case "create":
		d.getOrMakeContainer(op.Path, op.Kind2)
	case "set":
		c := d.getOrMakeContainer(op.Path, kindMap)
		c.fields[op.Field] = op.Value.unwrap()
	case "clear":
		c := d.getOrMakeContainer(op.Path, kindMap)
		c.fields = map[string]any{}
	case "orset-add":
		c := d.getOrMakeContainer(op.Path, kindOrSet)
		c.set.AddTagged(op.Value.S, fmt.Sprintf("%d@%d", op.Peer, op.Counter))
	case "orset-rm":
		c := d.getOrMakeContainer(op.Path, kindOrSet)
		c.set.Remove(op.Value.S)
	case "reg-set":
		c := d.getOrMakeContainer(op.Path, kindRegister)
		c.reg.Set(op.Value.unwrap(), time.Unix(0, int64(op.Seq)), peerStr(op.Peer))
	case "ins-text":
		c := d.getOrMakeContainer(op.Path, kindText)
		node := RGANode{
			ID:          RGANodeID{Seq: op.Counter, NodeID: peerStr(op.Peer)},
			InsertAfter: parseAfter(op.After),
			Char:        rune(op.Value.R),
		}
		c.text.Apply(node)
	case "del-text":
		c := d.getOrMakeContainer(op.Path, kindText)
		c.text.Delete(parseAfter(op.After))
	case "ins-item":
		c := d.getOrMakeContainer(op.Path, kindList)
		idx := 0
		if op.After != "" {
			for i, it := range c.items {
				if it.id == op.After {
					idx = i + 1
					break
				}
			}
		}
		item := listItem{id: op.ItemID, after: op.After, value: op.Value.unwrap()}
		c.items = append(c.items, listItem{})
		copy(c.items[idx+1:], c.items[idx:])
		c.items[idx] = item
	case "del-item":
		c := d.getOrMakeContainer(op.Path, kindList)
		for i, it := range c.items {
			if it.id == op.ItemID {
				c.items = append(c.items[:i], c.items[i+1:]...)
				break
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────
// deep value projection
// ─────────────────────────────────────────────────────────────

const maxResolveDepth = 100

// DeepValue projects the current document state into a plain JSON-shaped
// tree (map[string]any / []any / scalars), resolving ContainerRef links
// recursively. Depth beyond maxResolveDepth is truncated with a sentinel,
// mirroring the recursion guard the codec enforces on the way in.
func (d *Doc) DeepValue() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolve("", 0)
}

func (d *Doc) resolve(path string, depth int) any {
	if depth > maxResolveDepth {
		return map[string]any{"truncated": true}
	}
	c := d.containers[path]
	if c == nil {
		return nil
	}
	switch c.kind {
	case kindMap:
		out := make(map[string]any, len(c.fields))
		for k, v := range c.fields {
			out[k] = d.resolveValue(v, depth+1)
		}
		return out
	case kindOrSet:
		return c.set.Values()
	case kindText:
		return c.text.Text()
	case kindRegister:
		v, _ := c.reg.Get()
		return v
	case kindList:
		out := make([]any, 0, len(c.items))
		for _, it := range c.items {
			out = append(out, d.resolveValue(it.value, depth+1))
		}
		return out
	}
	return nil
}

func (d *Doc) resolveValue(v any, depth int) any {
	if ref, ok := v.(ContainerRef); ok {
		return d.resolve(ref.Path, depth)
	}
	return v
}

// ─────────────────────────────────────────────────────────────
// remote updates: import / import-batch / checkout / export
// ─────────────────────────────────────────────────────────────

// Update is the wire representation of a batch of ops produced by one
// peer between two commits — the unit ImportBatch consumes.
type Update struct {
	Ops []Op
}

// ImportBatch applies a remote update and reports which peers' counters
// advanced (the update-admission rule in the session layer checks one of
// the advanced peers; Doc itself just reports the facts).
func (d *Doc) ImportBatch(u Update) (advanced map[uint64]uint64, err error) {
	if len(u.Ops) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.vv.Clone()
	for _, op := range u.Ops {
		d.seq++
		op.Seq = d.seq
		d.ops = append(d.ops, op)
		if op.Counter > d.vv[op.Peer] {
			d.vv[op.Peer] = op.Counter
		}
		d.applyLocked(op)
	}
	advanced = make(map[uint64]uint64)
	for peer, ctr := range d.vv {
		if ctr > before[peer] {
			advanced[peer] = ctr
		}
	}
	return advanced, nil
}

// snapshotWire is the CBOR-serializable form of a whole Doc.
type snapshotWire struct {
	Peer uint64
	VV   map[uint64]uint64
	Ops  []Op
}

// Export serializes the document per mode. See ExportMode for semantics.
func (d *Doc) Export(mode ExportMode, frontier Frontier) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch mode {
	case ExportSnapshot:
		return encodeSnapshot(snapshotWire{Peer: d.peer, VV: d.vv.Clone(), Ops: append([]Op(nil), d.ops...)})
	case ExportStateOnly:
		var filtered []Op
		for _, op := range d.ops {
			if op.Counter <= frontier[op.Peer] {
				filtered = append(filtered, op)
			}
		}
		return encodeSnapshot(snapshotWire{Peer: d.peer, VV: frontier.Clone(), Ops: filtered})
	default:
		return nil, fmt.Errorf("crdt: unknown export mode %d", mode)
	}
}

// Import replaces the document's full state by replaying a snapshot
// produced by Export(ExportSnapshot, nil).
func (d *Doc) Import(data []byte) error {
	w, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = w.Peer
	d.vv = Frontier(w.VV)
	d.ops = nil
	d.containers = map[string]*container{"": {kind: kindMap, fields: map[string]any{}}}
	d.seq = 0
	for _, op := range w.Ops {
		d.seq++
		op.Seq = d.seq
		d.ops = append(d.ops, op)
		d.applyLocked(op)
		if op.Peer == d.peer && op.Counter > d.localCtr {
			d.localCtr = op.Counter
		}
	}
	return nil
}

// Clone returns an independent copy of the document, for trial-applying a
// batch before the session layer's admission check decides whether to keep
// it (see ImportBatch's doc comment).
func (d *Doc) Clone() (*Doc, error) {
	snapshot, err := d.Export(ExportSnapshot, nil)
	if err != nil {
		return nil, err
	}
	clone := NewDoc(0)
	if err := clone.Import(snapshot); err != nil {
		return nil, err
	}
	return clone, nil
}

// Checkout reconstructs the document's deep value as of frontier, without
// mutating the live document — used by the read-only version endpoint.
func (d *Doc) Checkout(frontier Frontier) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	shadow := &Doc{peer: d.peer, vv: make(Frontier), containers: map[string]*container{"": {kind: kindMap, fields: map[string]any{}}}}
	for _, op := range d.ops {
		if op.Counter <= frontier[op.Peer] {
			shadow.applyLocked(op)
		}
	}
	return shadow.resolve("", 0)
}
