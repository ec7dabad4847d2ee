package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calweber/pmrouter/internal/domain"
)

// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these implicitly through their ListBefore / DeleteBefore methods.

// FillArchiveStore provides read and prune access to the fill journal.
type FillArchiveStore interface {
	// ListBefore returns all fills executed strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error)
	// DeleteBefore removes all fills executed strictly before the cutoff and
	// returns the number of rows removed.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SettlementArchiveStore provides read access to the settlement journal.
type SettlementArchiveStore interface {
	// ListBefore returns all settlement records created strictly before the
	// cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.SettlementRecord, error)
}

// ArchiveImpl implements domain.Archiver by querying the journal stores for
// old records, serializing them to JSONL, and uploading the result to object
// storage.
//
// ArchiveFills does not delete the archived rows; PruneFills is the separate,
// explicit step to be executed after the archive has been verified for the
// same cutoff.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	fills       FillArchiveStore
	settlements SettlementArchiveStore
	audit       domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	fills FillArchiveStore,
	settlements SettlementArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		reader:      reader,
		fills:       fills,
		settlements: settlements,
		audit:       audit,
	}
}

// ArchiveFills queries all fills before the cutoff, serializes them to
// JSONL, uploads the file, and confirms the object landed. The archival
// event is recorded in the audit log and the count of archived records is
// returned.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	fills, err := a.fills.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	if len(fills) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(fills)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}

	count := int64(len(fills))
	path := archivePath("fills", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive fills: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.fills", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive fills audit log: %w", err)
	}

	return count, nil
}

// ArchiveSettlements queries all settlement records before the cutoff,
// serializes them to JSONL, uploads the file, and confirms the object
// landed. Settlement rows are never pruned from the primary store; the
// archive is a cold copy.
func (a *ArchiveImpl) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.settlements.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
	}

	count := int64(len(recs))
	path := archivePath("settlements", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.settlements", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive settlements audit log: %w", err)
	}

	return count, nil
}

// PruneFills removes fills before the cutoff from the primary store. Callers
// must have archived the same cutoff first; the prune refuses to run when no
// archive object exists for it.
func (a *ArchiveImpl) PruneFills(ctx context.Context, before time.Time) (int64, error) {
	path := archivePath("fills", before)
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune fills verify archive: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: prune fills: no archive at %s: %w", path, domain.ErrNotFound)
	}

	deleted, err := a.fills.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune fills delete: %w", err)
	}
	if deleted == 0 {
		return 0, nil
	}

	if err := a.audit.Log(ctx, "archive.prune_fills", map[string]any{
		"path":    path,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: prune fills audit log: %w", err)
	}

	return deleted, nil
}

// upload writes the object, switching to a multipart upload above the
// single-shot threshold, then confirms the object exists.
func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	var err error
	if int64(len(buf)) >= minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("verify: object %s missing after upload", path)
	}
	return nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff with the full cutoff in the file name so repeated
// runs never overwrite an earlier archive.
//
//	archive/fills/2025-01/20250131T030000Z.jsonl
//	archive/settlements/2025-01/20250131T030000Z.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, before.UTC().Format("2006-01"), before.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
