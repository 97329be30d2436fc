// Package store implements the persistence gateway (component C3): a
// bounded pgx connection pool exposing the typed document operations the
// room registry and admin API need, each executed inside a transaction
// that first sets a session-local row-level-access variable. Grounded on
// original_source's db/dbcolab.rs.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/karstenda/colabri-doc/errs"
)

// Pool configuration, unchanged from dbcolab.rs's PgPoolOptions tuning:
// 20 max / 2 min connections, 30s acquire timeout, 10min idle, 30min
// max connection lifetime.
const (
	maxConns        = 20
	minConns        = 2
	acquireTimeout  = 30 * time.Second
	idleConnTimeout = 10 * time.Minute
	maxConnLifetime = 30 * time.Minute
)

// Store wraps the bounded pool and the typed queries built on top of it.
type Store struct {
	pool *pgxpool.Pool
}

// Open builds a Store against databaseURL, applying the pool tuning above.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.MaxConnIdleTime = idleConnTimeout
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool's connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Stats exposes pool occupancy.
type Stats struct {
	TotalConns int32
	IdleConns  int32
	InUse      int32
}

func (s *Store) Stats() Stats {
	st := s.pool.Stat()
	return Stats{
		TotalConns: st.TotalConns(),
		IdleConns:  st.IdleConns(),
		InUse:      st.TotalConns() - st.IdleConns(),
	}
}

// withOrgTx opens a transaction, sets the RLS session variable app.orgs to
// org (escaping single quotes, since SET LOCAL doesn't accept bind
// parameters — grounded verbatim on dbcolab.rs's load_statement_doc), runs
// fn, and commits on success.
func (s *Store) withOrgTx(ctx context.Context, org string, fn func(tx pgx.Tx) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	tx, err := s.pool.Begin(acquireCtx)
	if err != nil {
		return errs.Wrap(errs.KindPoolExhausted, "acquire connection", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	safeOrg := strings.ReplaceAll(org, "'", "''")
	policySQL := fmt.Sprintf("SET LOCAL app.orgs = '%s'", safeOrg)
	if _, err := tx.Exec(ctx, policySQL); err != nil {
		return errs.Wrap(errs.KindUnavailable, "set row-level policy", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindUnavailable, "commit transaction", err)
	}
	return nil
}

// DocRow is the minimal document row returned by GetViewableDocument,
// enough for a caller to decide whether to proceed to LoadColabDoc.
type DocRow struct {
	ID      uuid.UUID
	Name    string
	DocType string
	Owner   string
	Org     string
	Deleted bool
}

// AclRow is one row of document_acl.
type AclRow struct {
	Prpl       string
	Permission string
}

// StreamRow is one row of document_streams.
type StreamRow struct {
	ID        uuid.UUID
	Name      string
	Version   int32
	Content   []byte
	Size      int64
	CreatedBy *string
	UpdatedBy *string
}

// ColabDocument is a document with its ACLs and non-deleted streams,
// as returned by LoadColabDoc.
type ColabDocument struct {
	DocRow
	JSON    []byte
	Acls    []AclRow
	Streams []StreamRow
}

// GetViewableDocument returns the row if any of principals is the owner,
// appears on a document_acl row with permission "view" (or better), equals
// "<org>/f/admin", or equals "r/Colabri-CloudAdmin" — the visibility
// predicate grounded on spec's recovered get_viewable_document semantics.
func (s *Store) GetViewableDocument(ctx context.Context, org string, docID uuid.UUID, principals []string) (*DocRow, error) {
	var row *DocRow
	err := s.withOrgTx(ctx, org, func(tx pgx.Tx) error {
		const q = `
			SELECT d.id, d.name, d.type, d.owner, d.org, d.deleted
			FROM documents d
			WHERE d.org = $1 AND d.id = $2 AND d.deleted = FALSE
			AND (
				d.owner::text = ANY($3)
				OR EXISTS (
					SELECT 1 FROM document_acl da
					WHERE da.document = d.id
					AND da.prpl = ANY($3)
					AND da.permission IN ('view', 'edit', 'admin')
				)
				OR ($4 = ANY($3))
				OR ('r/Colabri-CloudAdmin' = ANY($3))
			)
		`
		orgAdmin := org + "/f/admin"
		r := tx.QueryRow(ctx, q, org, docID, principals, orgAdmin)
		var d DocRow
		if err := r.Scan(&d.ID, &d.Name, &d.DocType, &d.Owner, &d.Org, &d.Deleted); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return errs.Wrap(errs.KindUnavailable, "query viewable document", err)
		}
		row = &d
		return nil
	})
	return row, err
}

// LoadColabDoc returns the document with its ACLs and all non-deleted
// streams. Grounded on dbcolab.rs's load_statement_doc, generalized from
// the statement-only query to either doc_type.
func (s *Store) LoadColabDoc(ctx context.Context, org string, docID uuid.UUID) (*ColabDocument, error) {
	var doc *ColabDocument
	err := s.withOrgTx(ctx, org, func(tx pgx.Tx) error {
		const q = `
			SELECT
				d.id, d.name, d.type, d.owner, d.org, d.deleted,
				(SELECT st.json FROM document_statements st WHERE st.document = d.id
					UNION SELECT sh.json FROM document_sheets sh WHERE sh.document = d.id
					LIMIT 1) AS json,
				COALESCE((SELECT json_agg(da.*) FROM document_acl da WHERE da.document = d.id), '[]') AS acls,
				COALESCE((SELECT json_agg(ds.*) FROM document_streams ds
					WHERE ds.document = d.id AND ds.deleted = FALSE), '[]') AS streams
			FROM documents d
			WHERE d.org = $1 AND d.id = $2 AND d.deleted = FALSE
		`
		row := tx.QueryRow(ctx, q, org, docID)
		var d ColabDocument
		var aclsJSON, streamsJSON []byte
		var json []byte
		if err := row.Scan(&d.ID, &d.Name, &d.DocType, &d.Owner, &d.Org, &d.Deleted, &json, &aclsJSON, &streamsJSON); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return errs.Wrap(errs.KindUnavailable, "query colab document", err)
		}
		d.JSON = json
		acls, streams, err := decodeAclsAndStreams(aclsJSON, streamsJSON)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "decode document rows", err)
		}
		d.Acls = acls
		d.Streams = streams
		doc = &d
		return nil
	})
	return doc, err
}

// InsertDocStream appends a new "main" stream at version 1, used by the
// room registry's load-from-JSON fallback (§4.5.1 / S1).
func (s *Store) InsertDocStream(ctx context.Context, org string, docID uuid.UUID, blob []byte) (uuid.UUID, error) {
	var streamID uuid.UUID
	err := s.withOrgTx(ctx, org, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO document_streams (org, id, document, name, version, content, size, created_at, updated_at, deleted)
			VALUES ($1, gen_random_uuid(), $2, 'main', 1, $3, $4, NOW(), NOW(), FALSE)
			RETURNING id
		`
		return tx.QueryRow(ctx, q, org, docID, blob, len(blob)).Scan(&streamID)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return streamID, nil
}

// UpdateColabDoc updates both the stream row and the type-specific
// JSON-holding table in one transaction; both rows must already exist or
// the whole transaction fails with KindNotFound.
func (s *Store) UpdateColabDoc(ctx context.Context, org string, docID uuid.UUID, docType string, streamID uuid.UUID, blob []byte, json []byte, versionVJSON []byte, peerMapJSON []byte, byPrpl string) error {
	jsonTable, err := jsonTableFor(docType)
	if err != nil {
		return err
	}

	return s.withOrgTx(ctx, org, func(tx pgx.Tx) error {
		const streamSQL = `
			UPDATE document_streams
			SET content = $1, size = $2, updated_at = NOW(), updated_by = $3
			WHERE org = $4 AND document = $5 AND id = $6 AND deleted = FALSE
		`
		tag, err := tx.Exec(ctx, streamSQL, blob, len(blob), byPrpl, org, docID, streamID)
		if err != nil {
			return errs.Wrap(errs.KindUnavailable, "update document stream", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New(errs.KindNotFound, "document stream not found")
		}

		jsonSQL := fmt.Sprintf(`
			UPDATE %s
			SET json = $1, version_vv = $2, peer_map = $3, updated_at = NOW(), synced = FALSE
			WHERE org = $4 AND document = $5
		`, jsonTable)
		tag, err = tx.Exec(ctx, jsonSQL, json, versionVJSON, peerMapJSON, org, docID)
		if err != nil {
			return errs.Wrap(errs.KindUnavailable, "update document json", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New(errs.KindNotFound, "document json row not found")
		}
		return nil
	})
}

// DeleteColabDoc marks the document deleted.
func (s *Store) DeleteColabDoc(ctx context.Context, org string, docID uuid.UUID, byPrpl string) error {
	return s.withOrgTx(ctx, org, func(tx pgx.Tx) error {
		const q = `UPDATE documents SET deleted = TRUE, updated_at = NOW() WHERE org = $1 AND id = $2`
		tag, err := tx.Exec(ctx, q, org, docID)
		if err != nil {
			return errs.Wrap(errs.KindUnavailable, "delete document", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New(errs.KindNotFound, "document not found")
		}
		return nil
	})
}

// MoveColabDocToLib reparents the document to a library.
func (s *Store) MoveColabDocToLib(ctx context.Context, org string, libID, docID uuid.UUID, byPrpl string) error {
	return s.withOrgTx(ctx, org, func(tx pgx.Tx) error {
		const q = `UPDATE documents SET library = $1, updated_at = NOW(), updated_by = $2 WHERE org = $3 AND id = $4`
		tag, err := tx.Exec(ctx, q, libID, byPrpl, org, docID)
		if err != nil {
			return errs.Wrap(errs.KindUnavailable, "move document to library", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New(errs.KindNotFound, "document not found")
		}
		return nil
	})
}

func jsonTableFor(docType string) (string, error) {
	switch docType {
	case "colab-statement":
		return "document_statements", nil
	case "colab-sheet":
		return "document_sheets", nil
	default:
		return "", errs.New(errs.KindUnsupported, "unsupported document type: "+docType)
	}
}
