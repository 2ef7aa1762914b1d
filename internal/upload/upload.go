package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/filestore"
	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
)

var ErrQueueStopped = errors.New("upload queue stopped")

// Request asks for SourceURL to be copied into storage under Key and the
// attachment row to be finalized.
type Request struct {
	AttachmentID string
	Key          string
	SourceURL    string
}

// Job is a batch of scheduled uploads.
type Job interface {
	// Wait blocks until every upload of the batch has finished and returns
	// the joined failures, if any.
	Wait(ctx context.Context) error
}

type AttachmentUpdater interface {
	MarkUploaded(ctx context.Context, id, contentType string, size int64, mtime int64) error
	MarkFailed(ctx context.Context, id string, mtime int64) error
}

type Options struct {
	Workers         int
	MaxBytes        int64
	DownloadTimeout time.Duration
	Client          *http.Client
}

type item struct {
	req   Request
	batch *batch
}

// Queue is a fixed pool of upload workers.
type Queue struct {
	store    filestore.Store
	updater  AttachmentUpdater
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
	workers  int

	items    chan item
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewQueue(store filestore.Store, updater AttachmentUpdater, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    store,
		updater:  updater,
		client:   opts.Client,
		maxBytes: opts.MaxBytes,
		timeout:  opts.DownloadTimeout,
		workers:  opts.Workers,
		items:    make(chan item, opts.Workers*16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run()
		}()
	}
}

// Stop cancels in-flight downloads and waits for the workers to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

// Schedule hands a batch of uploads to the workers. Requests that cannot be
// queued before ctx ends are reported as failed in the returned job.
func (q *Queue) Schedule(ctx context.Context, reqs []Request) (Job, error) {
	if q.ctx.Err() != nil {
		return nil, ErrQueueStopped
	}
	b := newBatch(len(reqs))
	for i, req := range reqs {
		select {
		case q.items <- item{req: req, batch: b}:
		case <-ctx.Done():
			for _, rest := range reqs[i:] {
				b.finish(fmt.Errorf("attachment %s: %w", rest.AttachmentID, ctx.Err()))
			}
			return b, nil
		case <-q.ctx.Done():
			for _, rest := range reqs[i:] {
				b.finish(fmt.Errorf("attachment %s: %w", rest.AttachmentID, ErrQueueStopped))
			}
			return b, nil
		}
	}
	return b, nil
}

func (q *Queue) run() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case it := <-q.items:
			it.batch.finish(q.handle(it.req))
		}
	}
}

func (q *Queue) handle(req Request) error {
	ctx := q.ctx
	logger := logutil.GetLogger(ctx).With(
		zap.String("attachment_id", req.AttachmentID),
		zap.String("key", req.Key),
	)
	contentType, size, err := q.transfer(ctx, req)
	if err != nil {
		logger.Error("upload attachment failed", zap.Error(err))
		if markErr := q.updater.MarkFailed(ctx, req.AttachmentID, timeutil.NowUnix()); markErr != nil {
			logger.Error("mark attachment failed", zap.Error(markErr))
		}
		return fmt.Errorf("attachment %s: %w", req.AttachmentID, err)
	}
	if err := q.updater.MarkUploaded(ctx, req.AttachmentID, contentType, size, timeutil.NowUnix()); err != nil {
		logger.Error("mark attachment uploaded failed", zap.Error(err))
		return fmt.Errorf("attachment %s: %w", req.AttachmentID, err)
	}
	logger.Debug("attachment uploaded", zap.Int64("size", size), zap.String("content_type", contentType))
	return nil
}

// transfer downloads the source into a temp file, sniffs its type and saves
// it to the store.
func (q *Queue) transfer(ctx context.Context, req Request) (string, int64, error) {
	dlCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(dlCtx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := q.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("download: http %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "kbimport-upload-*")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, io.LimitReader(resp.Body, q.maxBytes+1))
	if err != nil {
		return "", 0, fmt.Errorf("download: %w", err)
	}
	if size > q.maxBytes {
		return "", 0, fmt.Errorf("download: exceeds %d bytes", q.maxBytes)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	contentType := detectContentType(tmp, resp.Header.Get("Content-Type"))
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	if err := q.store.Save(ctx, req.Key, tmp, size); err != nil {
		return "", 0, fmt.Errorf("save: %w", err)
	}
	return contentType, size, nil
}

func detectContentType(r io.Reader, header string) string {
	sniffed := model.DefaultAttachmentContentType
	if mt, err := mimetype.DetectReader(r); err == nil && mt != nil {
		sniffed, _, _ = mime.ParseMediaType(mt.String())
	}
	if sniffed != "" && sniffed != model.DefaultAttachmentContentType {
		return sniffed
	}
	if header != "" {
		if parsed, _, err := mime.ParseMediaType(header); err == nil && parsed != "" {
			return parsed
		}
	}
	return model.DefaultAttachmentContentType
}

type batch struct {
	mu      sync.Mutex
	pending int
	errs    []error
	done    chan struct{}
}

func newBatch(n int) *batch {
	b := &batch{pending: n, done: make(chan struct{})}
	if n == 0 {
		close(b.done)
	}
	return b
}

func (b *batch) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.errs = append(b.errs, err)
	}
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

func (b *batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}
