package notion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/kbimport/internal/config"
	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/source"
)

func newTestConnector(t *testing.T, handler http.Handler) *Connector {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	conn := New("token", config.NotionConfig{
		BaseURL:    srv.URL,
		RateLimit:  1000,
		RateBurst:  100,
		MaxRetries: 2,
	})
	conn.c.backoffBase = time.Millisecond
	return conn
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchRootPagesPaginatesAndFilters(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.Equal(t, "2022-06-28", r.Header.Get("Notion-Version"))
		var req listRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if atomic.AddInt32(&calls, 1) == 1 {
			require.Empty(t, req.StartCursor)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"results": []map[string]interface{}{
					{
						"object": "page",
						"id":     "p1",
						"parent": map[string]interface{}{"type": "workspace", "workspace": true},
						"icon":   map[string]interface{}{"type": "emoji", "emoji": "📘"},
						"properties": map[string]interface{}{
							"Name": map[string]interface{}{"type": "title", "title": []map[string]interface{}{{"type": "text", "plain_text": "Handbook"}}},
						},
					},
					{
						"object": "page",
						"id":     "nested",
						"parent": map[string]interface{}{"type": "page_id"},
					},
				},
				"has_more":    true,
				"next_cursor": "c2",
			})
			return
		}
		require.Equal(t, "c2", req.StartCursor)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results": []map[string]interface{}{
				{
					"object": "database",
					"id":     "d1",
					"parent": map[string]interface{}{"type": "workspace", "workspace": true},
					"title":  []map[string]interface{}{{"type": "text", "plain_text": "Tasks"}},
				},
			},
			"has_more": false,
		})
	})
	conn := newTestConnector(t, mux)

	refs, err := conn.FetchRootPages(context.Background())
	require.NoError(t, err)
	require.Equal(t, []model.PageRef{
		{ID: "p1", Name: "Handbook", Type: model.ItemTypePage, Emoji: "📘"},
		{ID: "d1", Name: "Tasks", Type: model.ItemTypeDatabase},
	}, refs)
}

func TestFetchPageLoadsNestedBlocks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pages/p1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "page",
			"id":     "p1",
			"properties": map[string]interface{}{
				"title": map[string]interface{}{"type": "title", "title": []map[string]interface{}{{"plain_text": "Root"}}},
			},
		})
	})
	mux.HandleFunc("/v1/blocks/p1/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start_cursor") == "" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"results": []map[string]interface{}{
					{"id": "b1", "type": "toggle", "has_children": true, "toggle": map[string]interface{}{"rich_text": []map[string]interface{}{{"plain_text": "More"}}}},
				},
				"has_more":    true,
				"next_cursor": "next",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results": []map[string]interface{}{
				{"id": "c1", "type": "child_page", "has_children": true, "child_page": map[string]interface{}{"title": "Child"}},
			},
		})
	})
	mux.HandleFunc("/v1/blocks/b1/children", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results": []map[string]interface{}{
				{"id": "b2", "type": "paragraph", "paragraph": map[string]interface{}{"rich_text": []map[string]interface{}{{"plain_text": "inner"}}}},
			},
		})
	})
	mux.HandleFunc("/v1/blocks/c1/children", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("child page blocks must not be fetched")
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": "unexpected"})
	})
	conn := newTestConnector(t, mux)

	page, err := conn.FetchPage(context.Background(), model.ChildRef{Type: model.ItemTypePage, ExternalID: "p1"})
	require.NoError(t, err)
	require.Equal(t, "Root", page.Title)
	require.Len(t, page.Blocks, 2)
	require.Equal(t, model.BlockToggle, page.Blocks[0].Type)
	require.Len(t, page.Blocks[0].Children, 1)
	require.Equal(t, "inner", model.PlainText(page.Blocks[0].Children[0].Paragraph.RichText))
	require.Equal(t, model.BlockChildPage, page.Blocks[1].Type)
	require.Empty(t, page.Blocks[1].Children)
}

func TestFetchDatabaseRowsBecomeChildPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/databases/d1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "database",
			"id":     "d1",
			"title":  []map[string]interface{}{{"plain_text": "Tasks"}},
		})
	})
	mux.HandleFunc("/v1/databases/d1/query", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results": []map[string]interface{}{
				{"object": "page", "id": "r1", "properties": map[string]interface{}{"Name": map[string]interface{}{"type": "title", "title": []map[string]interface{}{{"plain_text": "Row 1"}}}}},
				{"object": "page", "id": "r2", "archived": true},
			},
		})
	})
	conn := newTestConnector(t, mux)

	page, err := conn.FetchPage(context.Background(), model.ChildRef{Type: model.ItemTypeDatabase, ExternalID: "d1"})
	require.NoError(t, err)
	require.Equal(t, "Tasks", page.Title)
	require.Len(t, page.Blocks, 1)
	require.Equal(t, model.BlockChildPage, page.Blocks[0].Type)
	require.Equal(t, "r1", page.Blocks[0].ID)
	require.Equal(t, "Row 1", page.Blocks[0].ChildPage.Title)
}

func TestRetriesOnRateLimit(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"code": "rate_limited", "message": "slow down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": []interface{}{}})
	})
	conn := newTestConnector(t, mux)

	refs, err := conn.FetchRootPages(context.Background())
	require.NoError(t, err)
	require.Empty(t, refs)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"message": "upstream"})
	})
	conn := newTestConnector(t, mux)

	_, err := conn.FetchRootPages(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestUnauthorizedMapsToAuthenticationExpired(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pages/p1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"code": "unauthorized", "message": "API token is invalid."})
	})
	conn := newTestConnector(t, mux)

	_, err := conn.FetchPage(context.Background(), model.ChildRef{Type: model.ItemTypePage, ExternalID: "p1"})
	require.ErrorIs(t, err, appErr.ErrAuthenticationExpired)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRestrictedResourceMapsToAuthenticationExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"code": "restricted_resource", "message": "Insufficient permissions for this endpoint."})
	})
	mux.HandleFunc("/v1/pages/p1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"code": "restricted_resource", "message": "Insufficient permissions for this endpoint."})
	})
	conn := newTestConnector(t, mux)

	_, err := conn.FetchRootPages(context.Background())
	require.ErrorIs(t, err, appErr.ErrAuthenticationExpired)
	_, err = conn.FetchPage(context.Background(), model.ChildRef{Type: model.ItemTypePage, ExternalID: "p1"})
	require.ErrorIs(t, err, appErr.ErrAuthenticationExpired)

	other := &HTTPError{StatusCode: http.StatusForbidden, Code: "forbidden"}
	require.NotErrorIs(t, other, appErr.ErrAuthenticationExpired)
}

func TestNotFoundMapsToPageNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pages/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": "object_not_found", "message": "Could not find page"})
	})
	conn := newTestConnector(t, mux)

	_, err := conn.FetchPage(context.Background(), model.ChildRef{Type: model.ItemTypePage, ExternalID: "gone"})
	require.ErrorIs(t, err, appErr.ErrPageNotFound)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
	require.Equal(t, 2*time.Second, parseRetryAfter("2"))
	require.Equal(t, maxRetryAfter, parseRetryAfter("600"))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}

func TestRegisteredWithSourceRegistry(t *testing.T) {
	require.True(t, source.Supported(ServiceName))
	conn, err := source.New(ServiceName, "token", config.NotionConfig{BaseURL: "http://example.invalid"})
	require.NoError(t, err)
	require.IsType(t, &Connector{}, conn)
}
