package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/xxxsen/kbimport/internal/config"
	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/source"
)

const (
	ServiceName = "notion"
	pageSize    = 100
)

func init() {
	source.Register(ServiceName, createConnector)
}

type Connector struct {
	c *client
}

func createConnector(token string, args interface{}) (source.Connector, error) {
	cfg, err := decodeArgs(args)
	if err != nil {
		return nil, err
	}
	return New(token, cfg), nil
}

func decodeArgs(args interface{}) (config.NotionConfig, error) {
	switch v := args.(type) {
	case nil:
		return config.NotionConfig{}, nil
	case config.NotionConfig:
		return v, nil
	case *config.NotionConfig:
		return *v, nil
	}
	var cfg config.NotionConfig
	data, err := json.Marshal(args)
	if err != nil {
		return cfg, fmt.Errorf("encode notion config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode notion config: %w", err)
	}
	return cfg, nil
}

func New(token string, cfg config.NotionConfig) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.notion.com"
	}
	if cfg.Version == "" {
		cfg.Version = "2022-06-28"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 3
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	return &Connector{c: &client{
		baseURL:     cfg.BaseURL,
		version:     cfg.Version,
		token:       token,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		maxRetries:  cfg.MaxRetries,
		backoffBase: 500 * time.Millisecond,
	}}
}

type objectIcon struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji,omitempty"`
}

type objectParent struct {
	Type      string `json:"type"`
	Workspace bool   `json:"workspace,omitempty"`
}

type property struct {
	Type  string           `json:"type"`
	Title []model.RichText `json:"title,omitempty"`
}

// object is the shared shape of page and database responses.
type object struct {
	Object     string              `json:"object"`
	ID         string              `json:"id"`
	Archived   bool                `json:"archived"`
	InTrash    bool                `json:"in_trash"`
	Icon       *objectIcon         `json:"icon,omitempty"`
	Parent     objectParent        `json:"parent"`
	Title      []model.RichText    `json:"title,omitempty"`
	Properties map[string]property `json:"properties,omitempty"`
}

func (o *object) title() string {
	if o.Object == "database" {
		return model.PlainText(o.Title)
	}
	for _, prop := range o.Properties {
		if prop.Type == "title" {
			return model.PlainText(prop.Title)
		}
	}
	return ""
}

func (o *object) emoji() string {
	if o.Icon != nil && o.Icon.Type == "emoji" {
		return o.Icon.Emoji
	}
	return ""
}

func (o *object) itemType() string {
	if o.Object == "database" {
		return model.ItemTypeDatabase
	}
	return model.ItemTypePage
}

type objectList struct {
	Results    []object `json:"results"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor"`
}

type blockList struct {
	Results    []model.Block `json:"results"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor"`
}

type listRequest struct {
	StartCursor string `json:"start_cursor,omitempty"`
	PageSize    int    `json:"page_size"`
}

// FetchRootPages lists every page and database shared with the integration
// whose parent is the workspace itself.
func (n *Connector) FetchRootPages(ctx context.Context) ([]model.PageRef, error) {
	refs := make([]model.PageRef, 0)
	cursor := ""
	for {
		var resp objectList
		if err := n.c.post(ctx, "/v1/search", listRequest{StartCursor: cursor, PageSize: pageSize}, &resp); err != nil {
			return nil, fmt.Errorf("search workspace: %w", err)
		}
		for _, obj := range resp.Results {
			if obj.Archived || obj.InTrash || obj.Parent.Type != "workspace" {
				continue
			}
			refs = append(refs, model.PageRef{
				ID:    obj.ID,
				Name:  obj.title(),
				Type:  obj.itemType(),
				Emoji: obj.emoji(),
			})
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return refs, nil
		}
		cursor = resp.NextCursor
	}
}

// FetchPage returns a page with its full block tree. A database is returned
// as a page whose blocks are one child_page per row.
func (n *Connector) FetchPage(ctx context.Context, ref model.ChildRef) (*model.RawPage, error) {
	if ref.Type == model.ItemTypeDatabase {
		return n.fetchDatabase(ctx, ref.ExternalID)
	}
	var page object
	if err := n.c.get(ctx, "/v1/pages/"+url.PathEscape(ref.ExternalID), nil, &page); err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", ref.ExternalID, err)
	}
	blocks, err := n.fetchBlocks(ctx, ref.ExternalID)
	if err != nil {
		return nil, err
	}
	return &model.RawPage{
		ID:     page.ID,
		Title:  page.title(),
		Emoji:  page.emoji(),
		Blocks: blocks,
	}, nil
}

// fetchBlocks pages through the children of a block and descends into nested
// blocks. Child pages and databases are left for their own tasks.
func (n *Connector) fetchBlocks(ctx context.Context, blockID string) ([]model.Block, error) {
	blocks := make([]model.Block, 0)
	cursor := ""
	for {
		query := url.Values{}
		query.Set("page_size", fmt.Sprint(pageSize))
		if cursor != "" {
			query.Set("start_cursor", cursor)
		}
		var resp blockList
		if err := n.c.get(ctx, "/v1/blocks/"+url.PathEscape(blockID)+"/children", query, &resp); err != nil {
			return nil, fmt.Errorf("fetch blocks of %s: %w", blockID, err)
		}
		blocks = append(blocks, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	for i := range blocks {
		b := &blocks[i]
		if !b.HasChildren || b.Type == model.BlockChildPage || b.Type == model.BlockChildDatabase {
			continue
		}
		children, err := n.fetchBlocks(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Children = children
	}
	return blocks, nil
}

func (n *Connector) fetchDatabase(ctx context.Context, databaseID string) (*model.RawPage, error) {
	var db object
	if err := n.c.get(ctx, "/v1/databases/"+url.PathEscape(databaseID), nil, &db); err != nil {
		return nil, fmt.Errorf("fetch database %s: %w", databaseID, err)
	}
	blocks := make([]model.Block, 0)
	cursor := ""
	for {
		var resp objectList
		if err := n.c.post(ctx, "/v1/databases/"+url.PathEscape(databaseID)+"/query", listRequest{StartCursor: cursor, PageSize: pageSize}, &resp); err != nil {
			return nil, fmt.Errorf("query database %s: %w", databaseID, err)
		}
		for _, row := range resp.Results {
			if row.Archived || row.InTrash {
				continue
			}
			blocks = append(blocks, model.Block{
				ID:        row.ID,
				Type:      model.BlockChildPage,
				ChildPage: &model.TitleBlock{Title: row.title()},
			})
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return &model.RawPage{
		ID:     db.ID,
		Title:  db.title(),
		Emoji:  db.emoji(),
		Blocks: blocks,
	}, nil
}
