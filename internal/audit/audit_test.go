package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"

	"github.com/guardline/dlp/internal/models"
)

type fakeS3 struct {
	puts   []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(params.Body)
	f.puts = append(f.puts, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mockTrail(t *testing.T, client S3Client) (*Trail, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	return NewTrail(sdb, client, "dlp-audit", "archive/", discard()), mock
}

func TestRecord_Defaults(t *testing.T) {
	trail, mock := mockTrail(t, nil)

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs("rec-1", "ev-1", "pol-1", "info", 365, false,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.AuditRecord{
		ID:       "rec-1",
		EventID:  "ev-1",
		PolicyID: "pol-1",
		Entry:    models.JSONB{"action": "audit"},
	}
	if err := trail.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.RetentionDays != 365 {
		t.Errorf("retention default = %d, want 365", rec.RetentionDays)
	}
	if rec.LogLevel != "info" {
		t.Errorf("log level default = %q, want info", rec.LogLevel)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at not defaulted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord_KeepsExplicitRetention(t *testing.T) {
	trail, mock := mockTrail(t, nil)

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs("rec-2", "ev-2", "", "warn", 30, true,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.AuditRecord{
		ID:            "rec-2",
		EventID:       "ev-2",
		LogLevel:      "warn",
		RetentionDays: 30,
		Masked:        true,
		Entry:         models.JSONB{"action": "audit", "masked": true},
	}
	if err := trail.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func auditRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "policy_id", "log_level",
		"retention_days", "masked", "entry", "created_at",
	})
	for _, id := range ids {
		rows.AddRow(id, "ev-1", "pol-1", "info", 7, false,
			[]byte(`{"action":"audit"}`), time.Now().Add(-30*24*time.Hour))
	}
	return rows
}

func TestArchiveExpired_UploadsThenDeletes(t *testing.T) {
	client := &fakeS3{}
	trail, mock := mockTrail(t, client)

	mock.ExpectQuery(`SELECT .+ FROM audit_records\s+WHERE created_at <`).
		WillReturnRows(auditRows("old-1", "old-2"))
	mock.ExpectExec(`DELETE FROM audit_records WHERE id IN`).
		WithArgs("old-1", "old-2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := trail.ArchiveExpired(context.Background())
	if err != nil {
		t.Fatalf("ArchiveExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want 2", n)
	}
	if len(client.puts) != 1 {
		t.Fatalf("uploads = %d, want 1", len(client.puts))
	}
	if got := *client.puts[0].Bucket; got != "dlp-audit" {
		t.Errorf("bucket = %q", got)
	}

	var batch []*models.AuditRecord
	if err := json.Unmarshal(client.bodies[0], &batch); err != nil {
		t.Fatalf("archive body: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "old-1" {
		t.Errorf("archive batch = %+v", batch)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestArchiveExpired_NothingExpired(t *testing.T) {
	client := &fakeS3{}
	trail, mock := mockTrail(t, client)

	mock.ExpectQuery(`SELECT .+ FROM audit_records\s+WHERE created_at <`).
		WillReturnRows(auditRows())

	n, err := trail.ArchiveExpired(context.Background())
	if err != nil {
		t.Fatalf("ArchiveExpired: %v", err)
	}
	if n != 0 || len(client.puts) != 0 {
		t.Errorf("archived = %d, uploads = %d, want 0/0", n, len(client.puts))
	}
}

func TestArchiveExpired_UploadFailureKeepsRecords(t *testing.T) {
	client := &fakeS3{err: context.DeadlineExceeded}
	trail, mock := mockTrail(t, client)

	mock.ExpectQuery(`SELECT .+ FROM audit_records\s+WHERE created_at <`).
		WillReturnRows(auditRows("old-1"))

	if _, err := trail.ArchiveExpired(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	// No DELETE was expected or issued.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestArchiveExpired_NoStorageConfigured(t *testing.T) {
	trail, mock := mockTrail(t, nil)

	mock.ExpectQuery(`SELECT .+ FROM audit_records\s+WHERE created_at <`).
		WillReturnRows(auditRows("old-1"))

	if _, err := trail.ArchiveExpired(context.Background()); err == nil {
		t.Fatal("expected refusal without archive storage")
	}
}
