package poller

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/driveactivity/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/normalizer"
)

// DriveConnection describes one monitored Drive folder.
type DriveConnection struct {
	ID         string
	FolderID   string
	FolderPath string
}

// DriveProvider polls the Drive Activity API for one connection. Queries
// are scoped ancestorName + time filter so only new activity under the
// protected folder comes back.
type DriveProvider struct {
	conn    DriveConnection
	tokens  oauth2.TokenSource
	service *driveactivity.Service
}

func NewDriveProvider(ctx context.Context, conn DriveConnection, tokens oauth2.TokenSource) (*DriveProvider, error) {
	svc, err := driveactivity.NewService(ctx, option.WithTokenSource(tokens))
	if err != nil {
		return nil, fmt.Errorf("creating drive activity client: %w", err)
	}
	return &DriveProvider{conn: conn, tokens: tokens, service: svc}, nil
}

func (d *DriveProvider) SourceID() string {
	return "gdrive:" + d.conn.ID
}

func (d *DriveProvider) Fetch(ctx context.Context, since time.Time, pageSize int) ([]*models.Event, error) {
	req := &driveactivity.QueryDriveActivityRequest{
		AncestorName: "items/" + d.conn.FolderID,
		PageSize:     int64(pageSize),
	}
	if !since.IsZero() {
		req.Filter = fmt.Sprintf("time > %d", since.UnixMilli())
	}

	var events []*models.Event
	pageToken := ""
	for {
		req.PageToken = pageToken
		resp, err := d.service.Activity.Query(req).Context(ctx).Do()
		if err != nil {
			if isAuthError(err) {
				return nil, fmt.Errorf("drive activity query: %w", ErrAuth)
			}
			return nil, fmt.Errorf("drive activity query: %w", err)
		}

		for _, activity := range resp.Activities {
			ev := normalizer.FromDriveActivity(activity, d.conn.ID, d.conn.FolderPath)
			if normalizer.TrackedSubtypes[ev.Subtype] {
				events = append(events, ev)
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return events, nil
}

// Refresh forces a token fetch; oauth2.TokenSource refreshes lazily, so a
// failed fetch here means the stored refresh token is dead.
func (d *DriveProvider) Refresh(_ context.Context) error {
	if d.tokens == nil {
		return fmt.Errorf("no token source configured")
	}
	if _, err := d.tokens.Token(); err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	return nil
}

func isAuthError(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 401 || apiErr.Code == 403
	}
	return false
}
