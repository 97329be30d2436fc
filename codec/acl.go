package codec

import (
	"github.com/karstenda/colabri-doc/crdt"
	"github.com/karstenda/colabri-doc/errs"
)

// ClearDocumentACLs walks doc and clears every ACL container it carries,
// used by the move-to-library operation (§4.7) before the room force-
// closes. The walk mirrors doc_move_lib.rs's reset_acls_statement_doc /
// reset_acls_sheet_doc exactly: root acls; for statements, the per-language
// acls nested in content; for sheets, per-block acls and, for
// statement-grid blocks, local rows' nested statement acls.
func ClearDocumentACLs(doc *crdt.Doc, docType string) error {
	doc.Map("acls").Clear()

	switch docType {
	case "colab-statement":
		clearStatementContentACLs(doc, "content")
	case "colab-sheet":
		clearSheetBlocks(doc, "content")
	default:
		return errs.New(errs.KindUnsupported, "unsupported document type: "+docType)
	}
	return nil
}

func clearStatementContentACLs(doc *crdt.Doc, contentPath string) {
	for _, key := range doc.Map(contentPath).Keys() {
		blockPath := contentPath + "/" + key
		doc.Map(blockPath + "/acls").Clear()
	}
}

func clearSheetBlocks(doc *crdt.Doc, contentPath string) {
	lh := doc.List(contentPath)
	for _, id := range lh.ItemIDs() {
		blockPath := contentPath + "/" + id
		doc.Map(blockPath + "/acls").Clear()

		blockType, _ := doc.Map(blockPath).Get("type")
		if blockType != "statement-grid" {
			continue
		}

		rowsPath := blockPath + "/rows"
		rowsList := doc.List(rowsPath)
		for _, rowID := range rowsList.ItemIDs() {
			rowPath := rowsPath + "/" + rowID
			rowType, _ := doc.Map(rowPath).Get("type")
			if rowType != "local" {
				continue
			}
			stmtPath := rowPath + "/statement"
			doc.Map(stmtPath + "/acls").Clear()
			clearStatementContentACLs(doc, stmtPath+"/content")
		}
	}
}
