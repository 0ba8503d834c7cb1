// Package audit maintains the durable, retention-tagged audit trail and
// archives expired records to object storage before deleting them.
package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"

	"github.com/guardline/dlp/internal/models"
)

// S3Client is the slice of the S3 API the archiver needs.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Trail struct {
	db     *sqlx.DB
	s3     S3Client
	bucket string
	prefix string
	logger *slog.Logger
}

func NewTrail(db *sqlx.DB, s3Client S3Client, bucket, prefix string, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{db: db, s3: s3Client, bucket: bucket, prefix: prefix, logger: logger}
}

// Record appends one audit entry. When the record is masked the entry must
// already be free of raw content; this layer never sees the unmasked value.
func (t *Trail) Record(ctx context.Context, rec *models.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.RetentionDays <= 0 {
		rec.RetentionDays = 365
	}
	if rec.LogLevel == "" {
		rec.LogLevel = "info"
	}

	query := `
		INSERT INTO audit_records (id, event_id, policy_id, log_level, retention_days, masked, entry, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.db.ExecContext(ctx, query,
		rec.ID, rec.EventID, rec.PolicyID, rec.LogLevel,
		rec.RetentionDays, rec.Masked, rec.Entry, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}

func (t *Trail) List(ctx context.Context, eventID string, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []*models.AuditRecord
	query := `
		SELECT id, event_id, policy_id, log_level, retention_days, masked, entry, created_at
		FROM audit_records
		WHERE event_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	err := t.db.SelectContext(ctx, &records, query, eventID, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return records, err
}

// ArchiveExpired moves records past their retention window to S3 and then
// deletes them. Records are only deleted after a successful upload, so a
// failed archive run never loses audit data.
func (t *Trail) ArchiveExpired(ctx context.Context) (int, error) {
	var records []*models.AuditRecord
	query := `
		SELECT id, event_id, policy_id, log_level, retention_days, masked, entry, created_at
		FROM audit_records
		WHERE created_at < now() - (retention_days * interval '1 day')
		ORDER BY created_at ASC
	`
	if err := t.db.SelectContext(ctx, &records, query); err != nil {
		return 0, fmt.Errorf("selecting expired audit records: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	if t.s3 == nil || t.bucket == "" {
		return 0, fmt.Errorf("archive storage not configured, refusing to delete %d records", len(records))
	}

	body, err := json.Marshal(records)
	if err != nil {
		return 0, fmt.Errorf("encoding archive batch: %w", err)
	}

	key := fmt.Sprintf("%saudit-%s.json", t.prefix, time.Now().UTC().Format("2006-01-02T15-04-05"))
	_, err = t.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading audit archive: %w", err)
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	delQuery, args, err := sqlx.In(`DELETE FROM audit_records WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	if _, err := t.db.ExecContext(ctx, t.db.Rebind(delQuery), args...); err != nil {
		return 0, fmt.Errorf("deleting archived records: %w", err)
	}

	t.logger.Info("audit records archived",
		"count", len(records),
		"bucket", t.bucket,
		"key", key)
	return len(records), nil
}
