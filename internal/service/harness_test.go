package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
	"github.com/xxxsen/kbimport/internal/source"
	"github.com/xxxsen/kbimport/internal/testutil"
	"github.com/xxxsen/kbimport/internal/upload"
)

const (
	testService = "testsvc"
	testTeam    = "team-1"
	testUser    = "user-1"
	testInteg   = "integ-1"
)

type fakeConnector struct {
	mu      sync.Mutex
	roots   []model.PageRef
	pages   map[string]*model.RawPage
	errs    map[string]error
	rootErr error
	fetched map[string]int
	onFetch func(id string)
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		pages:   map[string]*model.RawPage{},
		errs:    map[string]error{},
		fetched: map[string]int{},
	}
}

func (c *fakeConnector) FetchRootPages(ctx context.Context) ([]model.PageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rootErr != nil {
		return nil, c.rootErr
	}
	return append([]model.PageRef(nil), c.roots...), nil
}

func (c *fakeConnector) FetchPage(ctx context.Context, ref model.ChildRef) (*model.RawPage, error) {
	c.mu.Lock()
	hook := c.onFetch
	c.mu.Unlock()
	if hook != nil {
		hook(ref.ExternalID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched[ref.ExternalID]++
	if err, ok := c.errs[ref.ExternalID]; ok {
		return nil, err
	}
	page, ok := c.pages[ref.ExternalID]
	if !ok {
		return nil, appErr.ErrPageNotFound
	}
	return page, nil
}

func (c *fakeConnector) setPage(page *model.RawPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[page.ID] = page
}

func (c *fakeConnector) setErr(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[id] = err
}

func (c *fakeConnector) fetchCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched[id]
}

// addPage registers a page whose blocks link the given child pages.
func (c *fakeConnector) addPage(id, title string, children ...string) {
	blocks := make([]model.Block, 0, len(children))
	for _, child := range children {
		blocks = append(blocks, model.Block{ID: child, Type: model.BlockChildPage, ChildPage: &model.TitleBlock{Title: child}})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[id] = &model.RawPage{ID: id, Title: title, Blocks: blocks}
}

type fakeDispatcher struct {
	mu      sync.Mutex
	pending []string
	all     []string
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, taskID)
	d.all = append(d.all, taskID)
	return nil
}

func (d *fakeDispatcher) pop() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return "", false
	}
	id := d.pending[0]
	d.pending = d.pending[1:]
	return id, true
}

func (d *fakeDispatcher) popAll() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

func (d *fakeDispatcher) enqueued() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.all...)
}

// stubConverter renders the page title as a paragraph and appends the media
// nodes registered for the page.
type stubConverter struct {
	mu    sync.Mutex
	media map[string][]model.Node
	errs  map[string]error
}

func (c *stubConverter) Convert(ctx context.Context, page *model.RawPage) (*model.Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[page.ID]; err != nil {
		return nil, err
	}
	nodes := []model.Node{{Type: model.NodeParagraph, Content: []model.Node{{Type: model.NodeText, Text: page.Title}}}}
	for _, n := range c.media[page.ID] {
		cp := n
		cp.Attrs = make(map[string]interface{}, len(n.Attrs))
		for k, v := range n.Attrs {
			cp.Attrs[k] = v
		}
		nodes = append(nodes, cp)
	}
	return model.NewDoc(nodes...), nil
}

type fakeJob struct {
	err error
}

func (j fakeJob) Wait(ctx context.Context) error {
	return j.err
}

type fakeUploads struct {
	mu          sync.Mutex
	reqs        []upload.Request
	scheduleErr error
	waitErr     error
}

func (u *fakeUploads) Schedule(ctx context.Context, reqs []upload.Request) (upload.Job, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.scheduleErr != nil {
		return nil, u.scheduleErr
	}
	u.reqs = append(u.reqs, reqs...)
	return fakeJob{err: u.waitErr}, nil
}

func (u *fakeUploads) requests() []upload.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upload.Request(nil), u.reqs...)
}

var (
	testConnMu sync.Mutex
	testConn   = map[string]*fakeConnector{}
)

func init() {
	source.Register(testService, func(token string, args interface{}) (source.Connector, error) {
		testConnMu.Lock()
		defer testConnMu.Unlock()
		conn, ok := testConn[token]
		if !ok {
			return nil, errors.New("no connector for token")
		}
		return conn, nil
	})
}

type harness struct {
	store      *testutil.MemStore
	conn       *fakeConnector
	dispatcher *fakeDispatcher
	converter  *stubConverter
	uploads    *fakeUploads
	resolver   *ConnectorResolver
	rehomer    *AttachmentRehomer
	imports    *ImportService
	processor  *TaskProcessor
}

func newHarness(t *testing.T, pagePerTask int) *harness {
	t.Helper()
	token := "token-" + t.Name()
	h := &harness{
		store:      testutil.NewMemStore(),
		conn:       newFakeConnector(),
		dispatcher: &fakeDispatcher{},
		converter:  &stubConverter{media: map[string][]model.Node{}, errs: map[string]error{}},
		uploads:    &fakeUploads{},
	}
	testConnMu.Lock()
	testConn[token] = h.conn
	testConnMu.Unlock()
	t.Cleanup(func() {
		testConnMu.Lock()
		delete(testConn, token)
		testConnMu.Unlock()
	})

	now := timeutil.NowUnix()
	h.store.AddIntegration(model.Integration{
		ID:          testInteg,
		TeamID:      testTeam,
		Service:     testService,
		AccessToken: token,
		Ctime:       now,
		Mtime:       now,
	})
	h.resolver = NewConnectorResolver(h.store, func(service, token string) (source.Connector, error) {
		return source.New(service, token, nil)
	}, 16, time.Minute)
	h.rehomer = NewAttachmentRehomer(h.store, h.uploads, "https://kb.example.com/", time.Hour)
	h.imports = NewImportService(h.store, h.resolver, h.dispatcher)
	h.processor = NewTaskProcessor(h.store, h.resolver, h.converter, h.rehomer, h.dispatcher, NewCompletionDetector(), ProcessorOptions{
		PagePerTask:     pagePerTask,
		ItemConcurrency: 3,
	})
	return h
}

func (h *harness) createImport(t *testing.T) *model.Import {
	t.Helper()
	imp, err := h.imports.Create(context.Background(), CreateImportRequest{
		TeamID:        testTeam,
		Service:       testService,
		IntegrationID: testInteg,
		CreatedBy:     testUser,
	})
	require.NoError(t, err)
	return imp
}

// drain processes queued tasks one at a time until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		id, ok := h.dispatcher.pop()
		if !ok {
			return
		}
		require.NoError(t, h.processor.Process(context.Background(), id))
	}
	t.Fatal("task queue did not drain")
}

func (h *harness) importState(t *testing.T, id string) *model.Import {
	t.Helper()
	imp, err := h.store.GetImport(context.Background(), id)
	require.NoError(t, err)
	return imp
}

func pageIDs(prefix string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, prefix+"-"+string(rune('a'+i/26))+string(rune('a'+i%26)))
	}
	return ids
}

func outputsByID(tasks []model.ImportTask) map[string]model.TaskOutput {
	out := make(map[string]model.TaskOutput)
	for _, task := range tasks {
		for _, o := range task.Output {
			out[o.ExternalID] = o
		}
	}
	return out
}
