package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sonet-app/timeline/internal/note"
)

// HTTPClient talks JSON to the internal note-service and social-graph
// deployments. It implements NoteService, FollowGraph, and ListService; in
// production the three usually share a gateway, so one client serves all.
type HTTPClient struct {
	noteBase  string
	graphBase string
	http      *http.Client
}

// NewHTTPClient builds a client for the given base URLs.
func NewHTTPClient(noteBase, graphBase string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPClient{
		noteBase:  noteBase,
		graphBase: graphBase,
		http:      &http.Client{Timeout: timeout},
	}
}

type notesRequest struct {
	AuthorIDs []string  `json:"author_ids,omitempty"`
	Hashtags  []string  `json:"hashtags,omitempty"`
	Since     time.Time `json:"since"`
	Limit     int       `json:"limit"`
}

type notesResponse struct {
	Notes []note.Note `json:"notes"`
}

type idsResponse struct {
	UserIDs []string `json:"user_ids"`
}

func (c *HTTPClient) GetRecentByAuthors(ctx context.Context, authorIDs []string, since time.Time, limit int) ([]note.Note, error) {
	return c.postNotes(ctx, "/v1/notes/recent-by-authors", notesRequest{
		AuthorIDs: authorIDs, Since: since, Limit: limit,
	})
}

func (c *HTTPClient) GetRecentByInterests(ctx context.Context, hashtags []string, since time.Time, limit int) ([]note.Note, error) {
	return c.postNotes(ctx, "/v1/notes/recent-by-interests", notesRequest{
		Hashtags: hashtags, Since: since, Limit: limit,
	})
}

func (c *HTTPClient) GetTrending(ctx context.Context, since time.Time, limit int) ([]note.Note, error) {
	return c.postNotes(ctx, "/v1/notes/trending", notesRequest{
		Since: since, Limit: limit,
	})
}

func (c *HTTPClient) GetFollowing(ctx context.Context, userID string) ([]string, error) {
	return c.getIDs(ctx, fmt.Sprintf("/v1/graph/%s/following", url.PathEscape(userID)))
}

func (c *HTTPClient) GetFollowers(ctx context.Context, userID string) ([]string, error) {
	return c.getIDs(ctx, fmt.Sprintf("/v1/graph/%s/followers", url.PathEscape(userID)))
}

func (c *HTTPClient) GetListMembers(ctx context.Context, viewerID string) ([]string, error) {
	return c.getIDs(ctx, fmt.Sprintf("/v1/lists/%s/members", url.PathEscape(viewerID)))
}

// RecentByAuthors is the timeline-side alias of GetRecentByAuthors.
func (c *HTTPClient) RecentByAuthors(ctx context.Context, authorIDs []string, since time.Time, limit int) ([]note.Note, error) {
	return c.GetRecentByAuthors(ctx, authorIDs, since, limit)
}

func (c *HTTPClient) postNotes(ctx context.Context, path string, body notesRequest) ([]note.Note, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.noteBase+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("note service %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("note service %s: status %d", path, resp.StatusCode)
	}
	var out notesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	return out.Notes, nil
}

func (c *HTTPClient) getIDs(ctx context.Context, path string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.graphBase+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph service %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph service %s: status %d", path, resp.StatusCode)
	}
	var out idsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return out.UserIDs, nil
}
