package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/normalizer"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// TokenFunc returns a bearer token for Graph calls. Called once per request
// and again after Refresh.
type TokenFunc func(ctx context.Context) (string, error)

// GraphConnection describes one monitored OneDrive/SharePoint drive.
type GraphConnection struct {
	ID      string
	DriveID string
}

// GraphProvider polls Microsoft Graph drive items modified since the
// cursor. Graph has no strict time filter on delta queries, so the poller's
// strictly-greater check does the final cut.
type GraphProvider struct {
	conn    GraphConnection
	client  *http.Client
	token   TokenFunc
	baseURL string

	mu     sync.Mutex
	bearer string
}

func NewGraphProvider(conn GraphConnection, client *http.Client, token TokenFunc) *GraphProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GraphProvider{conn: conn, client: client, token: token, baseURL: graphBaseURL}
}

func (g *GraphProvider) SourceID() string {
	return "msgraph:" + g.conn.ID
}

type graphItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	Size                 int64     `json:"size"`
	Deleted              *struct {
		State string `json:"state"`
	} `json:"deleted,omitempty"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`
	ParentReference *struct {
		Path string `json:"path"`
	} `json:"parentReference,omitempty"`
	LastModifiedBy *struct {
		User struct {
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"lastModifiedBy,omitempty"`
}

type graphPage struct {
	Value    []graphItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func (g *GraphProvider) Fetch(ctx context.Context, since time.Time, pageSize int) ([]*models.Event, error) {
	url := fmt.Sprintf("%s/drives/%s/root/children?$top=%d&$orderby=lastModifiedDateTime desc",
		g.baseURL, g.conn.DriveID, pageSize)

	var events []*models.Event
	for url != "" {
		page, err := g.get(ctx, url)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Value {
			if !item.LastModifiedDateTime.After(since) && !since.IsZero() {
				continue
			}
			events = append(events, g.toEvent(item))
		}
		url = page.NextLink
	}

	return events, nil
}

func (g *GraphProvider) get(ctx context.Context, url string) (*graphPage, error) {
	bearer, err := g.currentToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph token: %w", ErrAuth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("graph returned %d: %w", resp.StatusCode, ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph returned status %d", resp.StatusCode)
	}

	var page graphPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding graph response: %w", err)
	}
	return &page, nil
}

func (g *GraphProvider) toEvent(item graphItem) *models.Event {
	subtype := "file_modified"
	if item.Deleted != nil {
		subtype = "file_deleted"
	}

	actor := "unknown@onedrive"
	if item.LastModifiedBy != nil {
		if item.LastModifiedBy.User.Email != "" {
			actor = item.LastModifiedBy.User.Email
		} else if item.LastModifiedBy.User.DisplayName != "" {
			actor = item.LastModifiedBy.User.DisplayName
		}
	}

	path := ""
	if item.ParentReference != nil {
		path = item.ParentReference.Path
	}

	file := &models.FileMetadata{
		Path: path,
		Name: item.Name,
		Hash: item.ID,
		Size: item.Size,
	}
	if item.File != nil {
		file.MimeType = item.File.MimeType
	}
	if i := strings.LastIndex(item.Name, "."); i > 0 && i < len(item.Name)-1 {
		file.Extension = strings.ToLower(item.Name[i+1:])
	}

	ts := item.LastModifiedDateTime.UTC()
	return &models.Event{
		ID: "msgraph-" + normalizer.DeriveID(
			actor, item.ID, ts.Format(time.RFC3339Nano), subtype),
		SourceType:   models.SourceCloudActivity,
		Subtype:      subtype,
		ConnectionID: g.conn.ID,
		UserEmail:    actor,
		Timestamp:    ts,
		File:         file,
		Status:       models.EventStatusNew,
	}
}

// Refresh clears the cached bearer so the next call fetches a fresh token.
func (g *GraphProvider) Refresh(ctx context.Context) error {
	g.mu.Lock()
	g.bearer = ""
	g.mu.Unlock()

	if _, err := g.token(ctx); err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	return nil
}

func (g *GraphProvider) currentToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bearer != "" {
		return g.bearer, nil
	}
	t, err := g.token(ctx)
	if err != nil {
		return "", err
	}
	g.bearer = t
	return t, nil
}
