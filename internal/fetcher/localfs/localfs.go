// Package localfs ingests transaction files from a local directory.
//
// Files dropped into the ready directory are picked up by an fsnotify
// watcher, with a periodic rescan as a safety net for missed events
// (network filesystems, files present before startup). A processed file
// is moved to the done directory on acknowledgement, or to the error
// directory when processing failed terminally.
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/types"
)

// Options configures the directory fetcher.
type Options struct {
	ReadyDir     string
	DoneDir      string
	ErrorDir     string
	ScanInterval time.Duration
}

// Fetcher watches a ready directory and emits one work item per file.
type Fetcher struct {
	opts Options
	log  *zap.Logger
	gate *fetcher.Gate

	mu      sync.Mutex
	emitted map[string]struct{} // base names handed to the queue this run
}

// New returns a directory fetcher. The done and error directories are
// created on Start if missing; the ready directory must exist.
func New(opts Options, log *zap.Logger) *Fetcher {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		opts:    opts,
		log:     log.Named("localfs"),
		gate:    fetcher.NewGate(),
		emitted: make(map[string]struct{}),
	}
}

func (f *Fetcher) Pause()  { f.gate.Pause() }
func (f *Fetcher) Resume() { f.gate.Resume() }

// Start runs until ctx is cancelled or emit reports the queue closed.
func (f *Fetcher) Start(ctx context.Context, emit fetcher.EmitFunc) error {
	if _, err := os.Stat(f.opts.ReadyDir); err != nil {
		return fmt.Errorf("localfs: ready dir: %w", err)
	}
	for _, dir := range []string{f.opts.DoneDir, f.opts.ErrorDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("localfs: create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("localfs: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.opts.ReadyDir); err != nil {
		return fmt.Errorf("localfs: watch %s: %w", f.opts.ReadyDir, err)
	}

	// Initial sweep catches files that predate the watcher.
	if stop, err := f.sweep(ctx, emit); err != nil || stop {
		return err
	}

	ticker := time.NewTicker(f.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if stop, err := f.offerPath(ctx, ev.Name, emit); err != nil || stop {
				return err
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watcher error", zap.Error(werr))
		case <-ticker.C:
			if stop, err := f.sweep(ctx, emit); err != nil || stop {
				return err
			}
		}
	}
}

func (f *Fetcher) sweep(ctx context.Context, emit fetcher.EmitFunc) (stop bool, err error) {
	entries, err := os.ReadDir(f.opts.ReadyDir)
	if err != nil {
		f.log.Warn("rescan failed", zap.Error(err))
		return false, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // deterministic pickup order
	for _, name := range names {
		stop, err = f.offerPath(ctx, filepath.Join(f.opts.ReadyDir, name), emit)
		if err != nil || stop {
			return stop, err
		}
	}
	return false, nil
}

func (f *Fetcher) offerPath(ctx context.Context, path string, emit fetcher.EmitFunc) (stop bool, err error) {
	base := filepath.Base(path)
	if !eligible(base) {
		return false, nil
	}
	f.mu.Lock()
	_, seen := f.emitted[base]
	f.mu.Unlock()
	if seen {
		return false, nil
	}

	if err := f.gate.Wait(ctx); err != nil {
		return true, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Writers may still be flushing; the next rescan retries.
		if !os.IsNotExist(err) {
			f.log.Warn("read deferred", zap.String("file", base), zap.Error(err))
		}
		return false, nil
	}
	if len(data) == 0 {
		return false, nil
	}

	item := fetcher.WorkItem{
		FileID:       base,
		Bytes:        data,
		Source:       fetcher.SourceLocalFS,
		Path:         path,
		DiscoveredAt: time.Now().UTC(),
	}
	switch emit(ctx, item) {
	case fetcher.Queued:
		f.mu.Lock()
		f.emitted[base] = struct{}{}
		f.mu.Unlock()
		f.log.Debug("queued", zap.String("file", base), zap.Int("bytes", len(data)))
	case fetcher.Dropped:
		// Saturated queue; the file stays in ready/ and the next rescan
		// offers it again.
		f.log.Warn("queue saturated, file deferred", zap.String("file", base))
	case fetcher.Stopped:
		return true, nil
	}
	return false, nil
}

func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".xml"
}

// Acker moves processed files out of the ready directory.
type Acker struct {
	opts Options
	log  *zap.Logger
}

func NewAcker(opts Options, log *zap.Logger) *Acker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Acker{opts: opts, log: log.Named("localfs.ack")}
}

// Ack moves the file to done/ on success or error/ on terminal failure.
// Non-terminal failures leave the file in place for a later run.
func (a *Acker) Ack(ctx context.Context, item fetcher.WorkItem, outcome fetcher.Outcome) error {
	if item.Source != fetcher.SourceLocalFS || item.Path == "" {
		return nil
	}
	var dest string
	switch {
	case outcome.Status == types.AuditOK || outcome.Status == types.AuditAlready:
		dest = a.opts.DoneDir
	case outcome.Terminal:
		dest = a.opts.ErrorDir
	default:
		return nil
	}
	target := filepath.Join(dest, filepath.Base(item.Path))
	if err := os.Rename(item.Path, target); err != nil {
		if os.IsNotExist(err) {
			return nil // already moved by a concurrent run
		}
		return types.NewError(types.KindAckFailed, types.StageAcking,
			fmt.Sprintf("move %s to %s", item.Path, dest), err)
	}
	a.log.Debug("acked", zap.String("file", item.FileID), zap.String("dest", dest))
	return nil
}
