package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// OpportunitySource lists opportunities for archival.
type OpportunitySource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error)
}

// ExecutionSource lists executions for archival.
type ExecutionSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result.
//
// It does not delete anything. Removing the archived rows is the caller's
// step once the upload has succeeded.
type ArchiveImpl struct {
	writer        domain.BlobWriter
	opportunities OpportunitySource
	executions    ExecutionSource
	audit         domain.AuditStore
	existing      domain.BlobReader
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	opportunities OpportunitySource,
	executions ExecutionSource,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:        writer,
		opportunities: opportunities,
		executions:    executions,
		audit:         audit,
	}
}

// WithReader makes the archiver check for an object already stored under the
// day's path and write a suffixed key instead of overwriting it.
func (a *ArchiveImpl) WithReader(r domain.BlobReader) *ArchiveImpl {
	a.existing = r
	return a
}

// ArchiveOpportunities uploads all opportunities detected before the cutoff
// to archive/opportunities/YYYY-MM-DD.jsonl and returns how many were written.
func (a *ArchiveImpl) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.opportunities.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	return archive(ctx, a, "opportunities", before, opps)
}

// ArchiveExecutions uploads all executions submitted before the cutoff to
// archive/executions/YYYY-MM-DD.jsonl and returns how many were written.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	execs, err := a.executions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	return archive(ctx, a, "executions", before, execs)
}

func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path, err := a.freePath(ctx, kind, before)
	if err != nil {
		return 0, err
	}
	err = a.upload(ctx, path, buf)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Another run took the key between the existence check and the write.
		path = suffixedPath(kind, before)
		err = a.upload(ctx, path, buf)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit == nil {
		return count, nil
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// freePath returns the day's archive path, or a path suffixed with the
// cutoff's unix time when a file for that day already exists.
func (a *ArchiveImpl) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	path := archivePath(kind, before)
	if a.existing == nil {
		return path, nil
	}
	exists, err := a.existing.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if !exists {
		return path, nil
	}
	return suffixedPath(kind, before), nil
}

func (a *ArchiveImpl) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) > minPartSize {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath builds the object key for an archive file, partitioned by the
// UTC date of the cutoff.
//
//	archive/opportunities/2025-01-31.jsonl
//	archive/executions/2025-01-31.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// suffixedPath is the day's path with the cutoff's unix time appended, used
// when the plain path is taken.
func suffixedPath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s-%d.jsonl", kind, before.UTC().Format("2006-01-02"), before.Unix())
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
