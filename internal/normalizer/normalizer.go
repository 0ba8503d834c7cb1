// Package normalizer maps source-specific payloads into canonical Events.
// Identical logical activity always produces the same event id, which is
// what the dedup layer keys on.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/driveactivity/v2"

	"github.com/guardline/dlp/internal/models"
)

// Subtypes the pipeline processes; anything else from a cloud source is
// observed but carries low signal.
var TrackedSubtypes = map[string]bool{
	"file_created":    true,
	"file_uploaded":   true,
	"file_copied":     true,
	"file_modified":   true,
	"file_deleted":    true,
	"file_trashed":    true,
	"file_restored":   true,
	"file_moved":      true,
	"file_renamed":    true,
	"file_downloaded": true,
	"file_shared":     true,
}

// FromDriveActivity converts one Drive Activity resource into a canonical
// Event. The Drive API exposes no stable activity id, so the id is always
// derived from the dedupe key.
func FromDriveActivity(activity *driveactivity.DriveActivity, connectionID, folderPath string) *models.Event {
	subtype, severity := driveAction(activity)
	actor := driveActor(activity)
	file := driveFile(activity, folderPath)
	ts := driveTimestamp(activity)

	key := strings.Join([]string{
		connectionID,
		folderPath,
		file.Hash,
		file.Name,
		actor,
		subtype,
		ts.UTC().Format(time.RFC3339Nano),
	}, "|")

	ev := &models.Event{
		ID:           "gdrive-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String(),
		SourceType:   models.SourceCloudActivity,
		Subtype:      subtype,
		ConnectionID: connectionID,
		UserEmail:    actor,
		Timestamp:    ts,
		File:         file,
		Status:       models.EventStatusNew,
		RawPayload:   models.JSONB{"severity_hint": string(severity)},
	}
	return ev
}

// driveAction maps the primary action detail onto a subtype and a severity
// hint, mirroring how collectors grade Drive operations.
func driveAction(a *driveactivity.DriveActivity) (string, models.Severity) {
	d := a.PrimaryActionDetail
	if d == nil {
		return "file_activity", models.SeverityMedium
	}

	switch {
	case d.Create != nil && d.Create.Upload != nil:
		return "file_uploaded", models.SeverityMedium
	case d.Create != nil && d.Create.Copy != nil:
		return "file_copied", models.SeverityHigh
	case d.Create != nil:
		return "file_created", models.SeverityMedium
	case d.Edit != nil:
		return "file_modified", models.SeverityMedium
	case d.Move != nil:
		return "file_moved", models.SeverityHigh
	case d.Rename != nil:
		return "file_renamed", models.SeverityMedium
	case d.Delete != nil && d.Delete.Type == "TRASH":
		return "file_trashed", models.SeverityHigh
	case d.Delete != nil:
		return "file_deleted", models.SeverityHigh
	case d.Restore != nil:
		return "file_restored", models.SeverityLow
	case d.Comment != nil:
		return "file_commented", models.SeverityLow
	case d.PermissionChange != nil:
		return "file_shared", models.SeverityHigh
	}
	return "file_activity", models.SeverityMedium
}

func driveActor(a *driveactivity.DriveActivity) string {
	for _, actor := range a.Actors {
		if actor.User != nil && actor.User.KnownUser != nil && actor.User.KnownUser.PersonName != "" {
			return actor.User.KnownUser.PersonName
		}
	}
	return "unknown@drive"
}

func driveFile(a *driveactivity.DriveActivity, folderPath string) *models.FileMetadata {
	meta := &models.FileMetadata{Path: folderPath}
	for _, target := range a.Targets {
		if target.DriveItem == nil {
			continue
		}
		meta.Name = target.DriveItem.Title
		// DriveItem.Name is the opaque item id "items/...".
		meta.Hash = target.DriveItem.Name
		meta.MimeType = target.DriveItem.MimeType
		if i := strings.LastIndex(meta.Name, "."); i > 0 && i < len(meta.Name)-1 {
			meta.Extension = strings.ToLower(meta.Name[i+1:])
		}
		break
	}
	return meta
}

func driveTimestamp(a *driveactivity.DriveActivity) time.Time {
	candidates := []string{a.Timestamp}
	if a.TimeRange != nil {
		candidates = append(candidates, a.TimeRange.EndTime, a.TimeRange.StartTime)
	}
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

// Submission is the inbound agent event shape. event_id is optional and
// computed deterministically when absent.
type Submission struct {
	EventID     string               `json:"event_id,omitempty"`
	SourceType  models.SourceType    `json:"source_type"`
	Subtype     string               `json:"subtype,omitempty"`
	AgentID     string               `json:"agent_id,omitempty"`
	UserEmail   string               `json:"user_email,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Content     string               `json:"content,omitempty"`
	File        *models.FileMetadata `json:"file_metadata,omitempty"`
	Destination *models.Destination  `json:"destination,omitempty"`
	RawPayload  models.JSONB         `json:"raw_payload,omitempty"`
}

func validSourceType(t models.SourceType) bool {
	switch t {
	case models.SourceFile, models.SourceClipboard, models.SourceUSB, models.SourceCloudActivity:
		return true
	}
	return false
}

// FromSubmission validates an agent submission and produces the canonical
// Event. A missing event id is derived from hash(actor, target, timestamp,
// subtype) so resubmission of the same activity is idempotent.
func FromSubmission(sub *Submission) (*models.Event, error) {
	if sub == nil {
		return nil, fmt.Errorf("empty submission")
	}
	if !validSourceType(sub.SourceType) {
		return nil, fmt.Errorf("invalid source_type %q", sub.SourceType)
	}
	if sub.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	ts := sub.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := sub.EventID
	if id == "" {
		id = DeriveID(actorOf(sub), targetOf(sub), ts.UTC().Format(time.RFC3339Nano), sub.Subtype)
	}

	ev := &models.Event{
		ID:          id,
		SourceType:  sub.SourceType,
		Subtype:     sub.Subtype,
		AgentID:     sub.AgentID,
		UserEmail:   sub.UserEmail,
		Timestamp:   ts.UTC(),
		Content:     sub.Content,
		ContentSize: int64(len(sub.Content)),
		File:        sub.File,
		Destination: sub.Destination,
		RawPayload:  sub.RawPayload,
		Status:      models.EventStatusNew,
	}
	return ev, nil
}

// DeriveID builds the deterministic event id for sources without a stable
// native id.
func DeriveID(actor, target, rawTimestamp, subtype string) string {
	key := strings.Join([]string{actor, target, rawTimestamp, subtype}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func actorOf(sub *Submission) string {
	if sub.UserEmail != "" {
		return sub.UserEmail
	}
	return sub.AgentID
}

func targetOf(sub *Submission) string {
	if sub.File != nil && sub.File.Path != "" {
		return sub.File.Path
	}
	if sub.Destination != nil && sub.Destination.Target != "" {
		return sub.Destination.Target
	}
	return string(sub.SourceType)
}
