package service

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
	"github.com/xxxsen/kbimport/internal/upload"
)

const attachmentRoute = "/api/v1/attachments/"

var extRegex = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// AttachmentRehomer copies the media a document references into owned
// storage and points the document at the copies.
type AttachmentRehomer struct {
	store   Store
	uploads UploadScheduler
	baseURL string
	expiry  time.Duration
}

func NewAttachmentRehomer(store Store, uploads UploadScheduler, publicBaseURL string, expiry time.Duration) *AttachmentRehomer {
	return &AttachmentRehomer{
		store:   store,
		uploads: uploads,
		baseURL: strings.TrimSuffix(publicBaseURL, "/"),
		expiry:  expiry,
	}
}

// RedirectURL is the stable address of an attachment. It redirects to the
// stored object.
func (r *AttachmentRehomer) RedirectURL(attachmentID string) string {
	return r.baseURL + attachmentRoute + attachmentID
}

type mediaRef struct {
	node *model.Node
	attr string
}

type mediaSource struct {
	url  string
	name string
	refs []mediaRef
}

// Rehome rewrites every image, video and attachment node of docs whose URL
// points outside owned storage. A URL referenced several times across the
// batch gets one attachment. Placeholders for all distinct URLs are reserved
// in one transaction; upload failures are logged and the placeholder
// reference is kept.
func (r *AttachmentRehomer) Rehome(ctx context.Context, imp *model.Import, docs ...*model.Doc) error {
	sources := r.collect(docs)
	if len(sources) == 0 {
		return nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("import_id", imp.ID))

	now := timeutil.NowUnix()
	var expiresAt int64
	if r.expiry > 0 {
		expiresAt = now + int64(r.expiry/time.Second)
	}
	items := make([]model.Attachment, 0, len(sources))
	reqs := make([]upload.Request, 0, len(sources))
	for _, src := range sources {
		id := newID()
		item := model.Attachment{
			ID:          id,
			TeamID:      imp.TeamID,
			ImportID:    imp.ID,
			Key:         id + fileExt(src.url),
			Name:        src.name,
			ContentType: model.DefaultAttachmentContentType,
			Status:      model.AttachmentStatusPending,
			ExpiresAt:   expiresAt,
			Ctime:       now,
			Mtime:       now,
		}
		items = append(items, item)
		reqs = append(reqs, upload.Request{AttachmentID: id, Key: item.Key, SourceURL: src.url})
	}
	if err := r.store.InTx(ctx, func(tx StoreTx) error {
		return tx.CreateAttachments(ctx, items)
	}); err != nil {
		return err
	}

	job, err := r.uploads.Schedule(ctx, reqs)
	if err != nil {
		logger.Error("schedule attachment uploads failed", zap.Int("count", len(reqs)), zap.Error(err))
	} else if err := job.Wait(ctx); err != nil {
		logger.Warn("attachment uploads finished with failures", zap.Int("count", len(reqs)), zap.Error(err))
	}

	for i, src := range sources {
		id := items[i].ID
		for _, ref := range src.refs {
			ref.node.SetAttr(ref.attr, r.RedirectURL(id))
			ref.node.SetAttr("id", id)
		}
	}
	return nil
}

// collect gathers external media references grouped by URL in order of
// first appearance.
func (r *AttachmentRehomer) collect(docs []*model.Doc) []*mediaSource {
	var sources []*mediaSource
	byURL := make(map[string]*mediaSource)
	visit := func(n *model.Node) {
		attr := mediaAttr(n.Type)
		if attr == "" {
			return
		}
		link := strings.TrimSpace(n.AttrString(attr))
		if !r.isExternal(link) {
			return
		}
		src, ok := byURL[link]
		if !ok {
			src = &mediaSource{url: link, name: displayName(n, link)}
			byURL[link] = src
			sources = append(sources, src)
		}
		src.refs = append(src.refs, mediaRef{node: n, attr: attr})
	}
	for _, doc := range docs {
		doc.Walk(visit)
	}
	return sources
}

func (r *AttachmentRehomer) isExternal(link string) bool {
	if link == "" || strings.HasPrefix(link, r.baseURL+attachmentRoute) {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func mediaAttr(nodeType string) string {
	switch nodeType {
	case model.NodeImage, model.NodeVideo:
		return "src"
	case model.NodeAttachment:
		return "href"
	}
	return ""
}

func displayName(n *model.Node, link string) string {
	for _, key := range []string{"title", "alt"} {
		if v := strings.TrimSpace(n.AttrString(key)); v != "" {
			return v
		}
	}
	if u, err := url.Parse(link); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			if unescaped, err := url.PathUnescape(base); err == nil {
				return unescaped
			}
			return base
		}
	}
	return ""
}

func fileExt(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !extRegex.MatchString(ext) {
		return ""
	}
	return ext
}
