package storage

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Archive key layout under the configured prefix.
const (
	SegmentsPrefix  = "segments"
	IndexPrefix     = "index"
	SnapshotsPrefix = "snapshots"
)

// ArchiveOptions configures the background archiver.
type ArchiveOptions struct {
	// Prefix is prepended to every object key.
	Prefix string
	// MaxRetries is the number of attempts per file after the first.
	MaxRetries int
	// RetryBackoff is the delay before the first retry; it doubles per attempt.
	RetryBackoff time.Duration
	// Timeout bounds a single upload attempt.
	Timeout time.Duration
}

// DefaultArchiveOptions returns the default archiver settings.
func DefaultArchiveOptions() ArchiveOptions {
	return ArchiveOptions{
		MaxRetries:   5,
		RetryBackoff: time.Second,
		Timeout:      5 * time.Minute,
	}
}

// ArchiveStats reports the archiver's progress.
type ArchiveStats struct {
	Pending  int   `json:"pending"`
	Uploaded int64 `json:"uploaded"`
	Skipped  int64 `json:"skipped"`
	Deleted  int64 `json:"deleted"`
	Failed   int64 `json:"failed"`
	Bytes    int64 `json:"bytes"`
}

type archiveJob struct {
	localPath  string
	objectPath string
	// remove deletes objectPath instead of uploading.
	remove bool
}

// Archiver copies immutable files (sealed segments, their index files and
// snapshots) to object storage on a single background goroutine. Objects
// already present are not uploaded again. Enqueue and Remove never block
// the caller.
type Archiver struct {
	storage ObjectStorage
	opts    ArchiveOptions
	logger  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []archiveJob
	inflight bool
	started  bool
	closed   bool
	stats    ArchiveStats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiver creates an archiver writing to storage. Call Start to run it.
func NewArchiver(storage ObjectStorage, opts ArchiveOptions, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		storage: storage,
		opts:    opts,
		logger:  logger.Named("archive"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Key returns the object key for a path relative to the archive root.
func (a *Archiver) Key(rel string) string {
	if a.opts.Prefix == "" {
		return rel
	}
	return path.Join(a.opts.Prefix, rel)
}

// Enqueue schedules localPath for upload under objectPath (relative to the
// prefix).
func (a *Archiver) Enqueue(localPath, objectPath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("archiver closed, dropping file", zap.String("file", localPath))
		return
	}
	a.queue = append(a.queue, archiveJob{localPath: localPath, objectPath: a.Key(objectPath)})
	a.stats.Pending = len(a.queue)
	a.cond.Broadcast()
}

// Remove schedules the deletion of objectPath (relative to the prefix),
// in order with earlier uploads.
func (a *Archiver) Remove(objectPath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("archiver closed, keeping object", zap.String("object", a.Key(objectPath)))
		return
	}
	a.queue = append(a.queue, archiveJob{objectPath: a.Key(objectPath), remove: true})
	a.stats.Pending = len(a.queue)
	a.cond.Broadcast()
}

// Start runs the upload loop.
func (a *Archiver) Start() {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go a.run()
}

func (a *Archiver) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		job := a.queue[0]
		a.queue = a.queue[1:]
		a.inflight = true
		a.mu.Unlock()

		var (
			size    int64
			skipped bool
			err     error
		)
		if job.remove {
			err = a.attempt(job, func(ctx context.Context) error {
				return a.storage.Delete(ctx, job.objectPath)
			})
		} else {
			size, skipped, err = a.upload(job)
		}

		a.mu.Lock()
		a.inflight = false
		a.stats.Pending = len(a.queue)
		switch {
		case err != nil:
			a.stats.Failed++
		case job.remove:
			a.stats.Deleted++
		case skipped:
			a.stats.Skipped++
		default:
			a.stats.Uploaded++
			a.stats.Bytes += size
		}
		a.cond.Broadcast()
		a.mu.Unlock()
	}
}

// upload copies one file unless the object is already archived. Archived
// files are immutable, so an existing object is never replaced.
func (a *Archiver) upload(job archiveJob) (int64, bool, error) {
	exists, err := a.exists(job.objectPath)
	if err != nil {
		a.logger.Debug("archive existence check failed, uploading",
			zap.String("object", job.objectPath), zap.Error(err))
	}
	if exists {
		a.logger.Debug("object already archived", zap.String("object", job.objectPath))
		return 0, true, nil
	}

	start := time.Now()
	var etag string
	err = a.attempt(job, func(ctx context.Context) error {
		var uerr error
		etag, uerr = a.storage.UploadMultipart(ctx, job.localPath, job.objectPath)
		return uerr
	})
	if err != nil {
		return 0, false, err
	}
	size := fileSize(job.localPath)
	a.logger.Info("archived file",
		zap.String("file", job.localPath),
		zap.String("object", job.objectPath),
		zap.String("etag", etag),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)))
	return size, false, nil
}

func (a *Archiver) exists(objectPath string) (bool, error) {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.Timeout)
	defer cancel()
	return a.storage.Exists(ctx, objectPath)
}

// attempt runs fn up to MaxRetries+1 times with doubling backoff.
func (a *Archiver) attempt(job archiveJob, fn func(ctx context.Context) error) error {
	op := "upload"
	if job.remove {
		op = "delete"
	}
	backoff := a.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-a.ctx.Done():
				return a.ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ctx, cancel := context.WithTimeout(a.ctx, a.opts.Timeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		a.logger.Warn("archive "+op+" failed",
			zap.String("file", job.localPath),
			zap.String("object", job.objectPath),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	a.logger.Error("giving up on archive "+op,
		zap.String("file", job.localPath),
		zap.String("object", job.objectPath),
		zap.Error(err))
	return err
}

// Flush waits until every queued file has been attempted.
func (a *Archiver) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.queue) > 0 || a.inflight {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
	return nil
}

// Stats returns a snapshot of the archiver's counters.
func (a *Archiver) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Pending = len(a.queue)
	return s
}

// Close uploads whatever is queued, then stops. A context deadline aborts
// the remaining uploads.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	a.cond.Broadcast()
	a.mu.Unlock()

	if !started {
		a.cancel()
		return nil
	}

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

func fileSize(p string) int64 {
	st, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return st.Size()
}
