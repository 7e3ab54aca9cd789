// Package cache bounds the size of the dataset's local object store by
// evicting least recently accessed objects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

var (
	evictedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipelined_cache_evicted_bytes_total",
		Help: "Bytes reclaimed from the dataset object store by eviction.",
	})
	evictedObjectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipelined_cache_evicted_objects_total",
		Help: "Objects the evictor attempted to drop, by result.",
	}, []string{"result"})
	cacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipelined_cache_size_bytes",
		Help: "Size of the dataset object store after the last eviction pass.",
	})
)

func init() {
	prometheus.MustRegister(evictedBytesTotal, evictedObjectsTotal, cacheSizeBytes)
}

// ObjectStore is the part of a dataset the evictor works on.
type ObjectStore interface {
	ObjectsDir() string
	DropUnused(ctx context.Context) error
	DropKey(ctx context.Context, key string) error
}

// Object is one content-addressed file of the object store.
type Object struct {
	Path       string
	Key        string
	Size       int64
	AccessTime time.Time
}

// Report summarizes one eviction pass.
type Report struct {
	Before  int64
	After   int64
	Dropped []string
	Failed  []string
}

// Freed is the number of bytes reclaimed by the pass.
func (r Report) Freed() int64 { return r.Before - r.After }

// Evictor keeps an object store under MaxSize, evicting down to LowWater.
type Evictor struct {
	store    ObjectStore
	maxSize  int64
	lowWater int64
	logger   *slog.Logger
}

// NewEvictor creates an evictor. A lowWater outside (0, maxSize] is clamped
// to maxSize. A non-positive maxSize disables eviction.
func NewEvictor(store ObjectStore, maxSize, lowWater int64, logger *slog.Logger) *Evictor {
	if lowWater <= 0 || lowWater > maxSize {
		lowWater = maxSize
	}
	return &Evictor{
		store:    store,
		maxSize:  maxSize,
		lowWater: lowWater,
		logger:   logger,
	}
}

// Enabled reports whether eviction is configured.
func (e *Evictor) Enabled() bool { return e.maxSize > 0 }

// Evict drops unused objects, then the least recently accessed objects until
// the store is at or under the low-water mark. Failing to drop an object is
// logged and skipped. Ending above the maximum because every remaining
// object is pinned is not an error.
func (e *Evictor) Evict(ctx context.Context) (Report, error) {
	if !e.Enabled() {
		return Report{}, nil
	}

	if err := e.store.DropUnused(ctx); err != nil {
		e.logger.Warn("drop unused objects", "error", err)
	} else {
		e.logger.Info("dropped unused objects")
	}

	objects, total, err := ScanObjects(e.store.ObjectsDir())
	if err != nil {
		return Report{}, fmt.Errorf("scan object store: %w", err)
	}

	rep := Report{Before: total, After: total}
	defer func() { cacheSizeBytes.Set(float64(rep.After)) }()

	if total <= e.maxSize {
		return rep, nil
	}

	e.logger.Info("cache eviction started",
		"objects_dir", e.store.ObjectsDir(),
		"size", humanize.IBytes(uint64(total)),
		"max", humanize.IBytes(uint64(e.maxSize)),
	)

	sort.SliceStable(objects, func(i, j int) bool {
		if objects[i].AccessTime.Equal(objects[j].AccessTime) {
			return objects[i].Path < objects[j].Path
		}
		return objects[i].AccessTime.Before(objects[j].AccessTime)
	})

	for _, obj := range objects {
		if rep.After <= e.lowWater {
			break
		}
		if err := e.store.DropKey(ctx, obj.Key); err != nil {
			e.logger.Warn("drop object", "key", obj.Key, "error", err)
			rep.Failed = append(rep.Failed, obj.Key)
			evictedObjectsTotal.WithLabelValues("failed").Inc()
			continue
		}
		rep.After -= obj.Size
		rep.Dropped = append(rep.Dropped, obj.Key)
		evictedObjectsTotal.WithLabelValues("dropped").Inc()
	}

	evictedBytesTotal.Add(float64(rep.Freed()))
	e.logger.Info("cache eviction completed",
		"objects_dir", e.store.ObjectsDir(),
		"freed", humanize.IBytes(uint64(rep.Freed())),
		"dropped", len(rep.Dropped),
		"failed", len(rep.Failed),
	)
	if rep.After > e.maxSize {
		e.logger.Warn("object store still above maximum",
			"size", humanize.IBytes(uint64(rep.After)),
			"max", humanize.IBytes(uint64(e.maxSize)),
		)
	}
	return rep, nil
}

// ScanObjects walks dir and returns every object with its size and access
// time, plus the total size. A missing directory is an empty store.
func ScanObjects(dir string) ([]Object, int64, error) {
	var objects []Object
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}
		objects = append(objects, Object{
			Path:       path,
			Key:        filepath.Base(path),
			Size:       st.Size,
			AccessTime: time.Unix(st.Atim.Unix()),
		})
		total += st.Size
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return objects, total, nil
}
