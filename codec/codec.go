// Package codec implements component C4: encoding/decoding the persisted
// ColabPackage blob, and converting between the application's JSON
// document model and a freshly constructed crdt.Doc. Grounded on
// original_source's models/lorodoc.rs (colab_to_loro_doc family) for the
// model→CRDT direction and crdt.Doc.DeepValue for the reverse.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/karstenda/colabri-doc/crdt"
	"github.com/karstenda/colabri-doc/errs"
)

// maxTextDepth bounds text-element recursion; one past it is truncated
// with a sentinel node instead of overflowing the stack, mirroring
// lorodoc.rs's MAX_DEPTH.
const maxTextDepth = 100

// ColabPackage is the persisted blob: a CRDT snapshot plus the
// peer-id→principal binding that authorizes future updates against it.
type ColabPackage struct {
	Snapshot []byte            `cbor:"snapshot"`
	PeerMap  map[uint64]string `cbor:"peer_map"`
}

var (
	cborEnc, _ = cbor.CanonicalEncOptions().EncMode()
	cborDec    = cbor.DecOptions{}
)

// EncodePackage serializes a ColabPackage to its compact CBOR form.
func EncodePackage(pkg ColabPackage) ([]byte, error) {
	b, err := cborEnc.Marshal(pkg)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "encode colab package", err)
	}
	return b, nil
}

// DecodePackage parses a ColabPackage from its CBOR form.
func DecodePackage(data []byte) (ColabPackage, error) {
	mode, err := cborDec.DecMode()
	if err != nil {
		return ColabPackage{}, errs.Wrap(errs.KindInternal, "build cbor decoder", err)
	}
	var pkg ColabPackage
	if err := mode.Unmarshal(data, &pkg); err != nil {
		return ColabPackage{}, errs.Wrap(errs.KindInternal, "decode colab package", err)
	}
	return pkg, nil
}

// ModelToDoc constructs a fresh crdt.Doc whose top-level containers mirror
// modelJSON, a canonical colab document encoded as JSON. peer is the
// synthesizing peer id (typically the service peer, for the load-from-JSON
// fallback in §4.5.1).
func ModelToDoc(peer uint64, modelJSON []byte) (*crdt.Doc, error) {
	var model map[string]any
	if err := json.Unmarshal(modelJSON, &model); err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "parse colab model json", err)
	}

	doc := crdt.NewDoc(peer)
	root := doc.Map("")

	properties, _ := model["properties"].(map[string]any)
	buildProperties(doc, root, properties)

	docType, _ := properties["type"].(string)

	acls, _ := model["acls"].(map[string]any)
	doc.CreateMap("acls")
	root.SetContainer("acls", "acls")
	populateACLs(doc, "acls", acls)

	content := model["content"]
	switch docType {
	case "colab-sheet":
		if err := buildSheetContent(doc, root, content); err != nil {
			return nil, err
		}
	case "colab-statement", "":
		if err := buildStatementContent(doc, root, "content", content); err != nil {
			return nil, err
		}
	default:
		return nil, errs.New(errs.KindUnsupported, "unsupported document type: "+docType)
	}

	return doc, nil
}

func buildProperties(doc *crdt.Doc, root *crdt.MapHandle, properties map[string]any) {
	doc.CreateMap("properties")
	root.SetContainer("properties", "properties")
	ph := doc.Map("properties")
	for k, v := range properties {
		switch val := v.(type) {
		case string:
			ph.Set(k, val)
		case []any:
			listPath := "properties/" + k
			doc.CreateList(listPath)
			ph.SetContainer(k, listPath)
			lh := doc.List(listPath)
			prevID := ""
			for idx, item := range val {
				s, _ := item.(string)
				id := fmt.Sprintf("i%d", idx)
				lh.Insert(prevID, id, s)
				prevID = id
			}
		default:
			ph.Set(k, v)
		}
	}
}

// populateACLs fills the map container at basePath with one OR-Set
// container per permission, matching lorodoc.rs's populate_acls.
func populateACLs(doc *crdt.Doc, basePath string, acls map[string]any) {
	base := doc.Map(basePath)
	for perm, v := range acls {
		principals, _ := v.([]any)
		permPath := basePath + "/" + perm
		doc.CreateOrSet(permPath)
		base.SetContainer(perm, permPath)
		os := doc.OrSet(permPath)
		for _, p := range principals {
			if s, ok := p.(string); ok {
				os.Add(s)
			}
		}
	}
}

// buildStatementContent builds a statement's content map, keyed by
// language code (or block id, depending on the caller), each holding its
// own acls/approvals/textElement — grounded on stmt_to_loro_doc.
func buildStatementContent(doc *crdt.Doc, parent *crdt.MapHandle, contentPath string, content any) error {
	blocks, _ := content.(map[string]any)
	doc.CreateMap(contentPath)
	parent.SetContainer("content", contentPath)
	cm := doc.Map(contentPath)
	for blockID, blockRaw := range blocks {
		blockMap, _ := blockRaw.(map[string]any)
		blockPath := contentPath + "/" + blockID
		buildStatementBlock(doc, blockPath, blockMap)
		cm.SetContainer(blockID, blockPath)
	}
	return nil
}

func buildStatementBlock(doc *crdt.Doc, path string, block map[string]any) {
	doc.CreateMap(path)
	bm := doc.Map(path)

	aclsPath := path + "/acls"
	doc.CreateMap(aclsPath)
	bm.SetContainer("acls", aclsPath)
	if aclsRaw, ok := block["acls"].(map[string]any); ok {
		populateACLs(doc, aclsPath, aclsRaw)
	}

	if approvalsRaw, ok := block["approvals"].(map[string]any); ok && len(approvalsRaw) > 0 {
		apPath := path + "/approvals"
		doc.CreateMap(apPath)
		bm.SetContainer("approvals", apPath)
		am := doc.Map(apPath)
		for approvalID, approvalRaw := range approvalsRaw {
			approvalMap, _ := approvalRaw.(map[string]any)
			approvalPath := apPath + "/" + approvalID
			doc.CreateMap(approvalPath)
			am.SetContainer(approvalID, approvalPath)
			ah := doc.Map(approvalPath)
			for _, f := range []string{"state", "user", "date"} {
				if v, ok := approvalMap[f].(string); ok {
					ah.Set(f, v)
				}
			}
		}
	}

	tePath := path + "/textElement"
	teRaw, _ := block["textElement"].(map[string]any)
	buildTextElement(doc, tePath, teRaw, 0)
	bm.SetContainer("textElement", tePath)
}

// buildTextElement recursively mirrors a node with either nested child
// elements or a leaf string array, matching txtelem_to_loro_doc /
// txtelem_child_to_loro_map including the depth-limit truncation.
func buildTextElement(doc *crdt.Doc, path string, elem map[string]any, depth int) {
	doc.CreateMap(path)
	mh := doc.Map(path)

	if depth >= maxTextDepth {
		mh.Set("nodeName", "truncated")
		mh.Set("children", "[Max depth exceeded]")
		return
	}

	nodeName, _ := elem["nodeName"].(string)
	mh.Set("nodeName", nodeName)

	attrsPath := path + "/attributes"
	doc.CreateMap(attrsPath)
	mh.SetContainer("attributes", attrsPath)
	if attrsRaw, ok := elem["attributes"].(map[string]any); ok {
		ah := doc.Map(attrsPath)
		for k, v := range attrsRaw {
			if s, ok := v.(string); ok {
				ah.Set(k, s)
			}
		}
	}

	childrenPath := path + "/children"
	children, _ := elem["children"].([]any)
	doc.CreateList(childrenPath)
	mh.SetContainer("children", childrenPath)
	lh := doc.List(childrenPath)
	prevID := ""
	for idx, c := range children {
		id := fmt.Sprintf("c%d", idx)
		switch cv := c.(type) {
		case string:
			textPath := childrenPath + "/" + id
			doc.CreateText(textPath)
			doc.Text(textPath).SetAll(cv)
			lh.InsertContainer(prevID, id, textPath)
		case map[string]any:
			childPath := childrenPath + "/" + id
			buildTextElement(doc, childPath, cv, depth+1)
			lh.InsertContainer(prevID, id, childPath)
		}
		prevID = id
	}
}

// buildSheetContent builds a sheet's content as an ordered list of typed
// blocks, grounded on sheet_to_loro_doc / colab_sheet_block_to_loro_map.
func buildSheetContent(doc *crdt.Doc, root *crdt.MapHandle, content any) error {
	const contentPath = "content"
	doc.CreateList(contentPath)
	root.SetContainer("content", contentPath)
	lh := doc.List(contentPath)

	blocks, _ := content.([]any)
	prevID := ""
	for idx, blockRaw := range blocks {
		blockMap, _ := blockRaw.(map[string]any)
		id := fmt.Sprintf("b%d", idx)
		blockPath := contentPath + "/" + id
		if err := buildSheetBlock(doc, blockPath, blockMap); err != nil {
			return err
		}
		lh.InsertContainer(prevID, id, blockPath)
		prevID = id
	}
	return nil
}

func buildSheetBlock(doc *crdt.Doc, path string, block map[string]any) error {
	doc.CreateMap(path)
	bm := doc.Map(path)
	blockType, _ := block["type"].(string)
	bm.Set("type", blockType)

	switch blockType {
	case "properties":
		// nothing more to project
	case "text":
		aclsPath := path + "/acls"
		doc.CreateMap(aclsPath)
		bm.SetContainer("acls", aclsPath)
		if aclsRaw, ok := block["acls"].(map[string]any); ok {
			populateACLs(doc, aclsPath, aclsRaw)
		}
		titlePath := path + "/title"
		titleRaw, _ := block["title"].(map[string]any)
		buildTextElement(doc, titlePath, titleRaw, 0)
		bm.SetContainer("title", titlePath)

		tePath := path + "/textElement"
		teRaw, _ := block["textElement"].(map[string]any)
		buildTextElement(doc, tePath, teRaw, 0)
		bm.SetContainer("textElement", tePath)
	case "statement-grid":
		aclsPath := path + "/acls"
		doc.CreateMap(aclsPath)
		bm.SetContainer("acls", aclsPath)
		if aclsRaw, ok := block["acls"].(map[string]any); ok {
			populateACLs(doc, aclsPath, aclsRaw)
		}
		titlePath := path + "/title"
		titleRaw, _ := block["title"].(map[string]any)
		buildTextElement(doc, titlePath, titleRaw, 0)
		bm.SetContainer("title", titlePath)

		rowsPath := path + "/rows"
		doc.CreateList(rowsPath)
		bm.SetContainer("rows", rowsPath)
		rh := doc.List(rowsPath)
		rows, _ := block["rows"].([]any)
		prevID := ""
		for idx, rowRaw := range rows {
			rowMap, _ := rowRaw.(map[string]any)
			id := fmt.Sprintf("r%d", idx)
			rowPath := rowsPath + "/" + id
			buildGridRow(doc, rowPath, rowMap)
			rh.InsertContainer(prevID, id, rowPath)
			prevID = id
		}
	case "attributes":
		aclsPath := path + "/acls"
		doc.CreateMap(aclsPath)
		bm.SetContainer("acls", aclsPath)
		if aclsRaw, ok := block["acls"].(map[string]any); ok {
			populateACLs(doc, aclsPath, aclsRaw)
		}
		titlePath := path + "/title"
		titleRaw, _ := block["title"].(map[string]any)
		buildTextElement(doc, titlePath, titleRaw, 0)
		bm.SetContainer("title", titlePath)

		attrsPath := path + "/attributes"
		doc.CreateMap(attrsPath)
		bm.SetContainer("attributes", attrsPath)
		if attrsRaw, ok := block["attributes"].(map[string]any); ok {
			ah := doc.Map(attrsPath)
			for k, v := range attrsRaw {
				b, err := json.Marshal(v)
				if err != nil {
					ah.Set(k, "")
					continue
				}
				ah.Set(k, string(b))
			}
		}
	default:
		return errs.New(errs.KindUnsupported, "unsupported sheet block type: "+blockType)
	}
	return nil
}

func buildGridRow(doc *crdt.Doc, path string, row map[string]any) {
	doc.CreateMap(path)
	rm := doc.Map(path)
	rowType, _ := row["type"].(string)
	rm.Set("type", rowType)

	if sref, ok := row["statementRef"].(map[string]any); ok {
		srefPath := path + "/statementRef"
		doc.CreateMap(srefPath)
		rm.SetContainer("statementRef", srefPath)
		sh := doc.Map(srefPath)
		if v, ok := sref["docId"].(string); ok {
			sh.Set("docId", v)
		}
		if v, ok := sref["version"]; ok {
			sh.Set("version", v)
		}
		if v, ok := sref["versionV"].(string); ok {
			sh.Set("versionV", v)
		}
	}

	if stmt, ok := row["statement"].(map[string]any); ok {
		stmtPath := path + "/statement"
		buildNestedStatement(doc, stmtPath, stmt)
		rm.SetContainer("statement", stmtPath)
	}
}

// buildNestedStatement mirrors stmt_to_loro_map: a statement embedded as a
// child container (a grid row's local statement) rather than the document
// root, carrying its own properties/acls/content triple.
func buildNestedStatement(doc *crdt.Doc, path string, stmt map[string]any) {
	doc.CreateMap(path)
	sm := doc.Map(path)

	properties, _ := stmt["properties"].(map[string]any)
	propsPath := path + "/properties"
	doc.CreateMap(propsPath)
	sm.SetContainer("properties", propsPath)
	ph := doc.Map(propsPath)
	if v, ok := properties["type"].(string); ok {
		ph.Set("type", v)
	}
	if v, ok := properties["contentType"].(string); ok {
		ph.Set("contentType", v)
	}

	aclsPath := path + "/acls"
	doc.CreateMap(aclsPath)
	sm.SetContainer("acls", aclsPath)
	if aclsRaw, ok := stmt["acls"].(map[string]any); ok {
		populateACLs(doc, aclsPath, aclsRaw)
	}

	_ = buildStatementContent(doc, sm, path+"/content", stmt["content"])
}

// DocToJSON projects doc's current state into its canonical JSON model
// (the reverse of ModelToDoc), via Doc.DeepValue's container resolution.
func DocToJSON(doc *crdt.Doc) ([]byte, error) {
	v := doc.DeepValue()
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal deep value", err)
	}
	return b, nil
}
