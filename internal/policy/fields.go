package policy

import (
	"github.com/guardline/dlp/internal/models"
)

// fieldAccessor resolves one flattened field path. The bool reports
// presence; exists/not_exists key off it.
type fieldAccessor func(ev *models.Event, cls *models.ClassificationResult) (any, bool)

// fieldAccessors is the registry of condition field paths. Build rejects
// conditions naming paths outside this table, so a malformed path fails at
// policy compile time rather than at match time.
var fieldAccessors = map[string]fieldAccessor{
	"event.id": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.ID, ev.ID != ""
	},
	"event.source_type": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return string(ev.SourceType), ev.SourceType != ""
	},
	"event.subtype": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.Subtype, ev.Subtype != ""
	},
	"event.agent_id": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.AgentID, ev.AgentID != ""
	},
	"event.connection_id": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.ConnectionID, ev.ConnectionID != ""
	},
	"event.user_email": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.UserEmail, ev.UserEmail != ""
	},
	"event.content": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.Content, ev.Content != ""
	},
	"event.content_size": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.ContentSize, true
	},
	"event.truncated": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.Truncated, true
	},
	"event.tags": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		return ev.Tags, len(ev.Tags) > 0
	},
	"event.file.path": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.File == nil {
			return nil, false
		}
		return ev.File.Path, ev.File.Path != ""
	},
	"event.file.name": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.File == nil {
			return nil, false
		}
		return ev.File.Name, ev.File.Name != ""
	},
	"event.file.extension": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.File == nil {
			return nil, false
		}
		return ev.File.Extension, ev.File.Extension != ""
	},
	"event.file.mime_type": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.File == nil {
			return nil, false
		}
		return ev.File.MimeType, ev.File.MimeType != ""
	},
	"event.file.size": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.File == nil {
			return nil, false
		}
		return ev.File.Size, true
	},
	"event.destination.type": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.Destination == nil {
			return nil, false
		}
		return ev.Destination.Type, ev.Destination.Type != ""
	},
	"event.destination.target": func(ev *models.Event, _ *models.ClassificationResult) (any, bool) {
		if ev.Destination == nil {
			return nil, false
		}
		return ev.Destination.Target, ev.Destination.Target != ""
	},
	"classification.type": func(_ *models.Event, cls *models.ClassificationResult) (any, bool) {
		if cls == nil || len(cls.Labels) == 0 {
			return nil, false
		}
		return cls.Types(), true
	},
	"classification.max_severity": func(_ *models.Event, cls *models.ClassificationResult) (any, bool) {
		if cls == nil || cls.MaxSeverity == "" {
			return nil, false
		}
		return string(cls.MaxSeverity), true
	},
	"classification.max_confidence": func(_ *models.Event, cls *models.ClassificationResult) (any, bool) {
		if cls == nil || len(cls.Labels) == 0 {
			return nil, false
		}
		return cls.MaxConfidence(), true
	},
	"classification.validated": func(_ *models.Event, cls *models.ClassificationResult) (any, bool) {
		if cls == nil {
			return false, true
		}
		for _, l := range cls.Labels {
			if l.Validated {
				return true, true
			}
		}
		return false, true
	},
	"classification.truncated": func(_ *models.Event, cls *models.ClassificationResult) (any, bool) {
		if cls == nil {
			return false, true
		}
		return cls.Truncated, true
	},
	"classification.label_count": func(_ *models.Event, cls *models.ClassificationResult) (any, bool) {
		if cls == nil {
			return 0, true
		}
		return len(cls.Labels), true
	},
}

// Fields lists the registered condition field paths.
func Fields() []string {
	out := make([]string, 0, len(fieldAccessors))
	for k := range fieldAccessors {
		out = append(out, k)
	}
	return out
}
