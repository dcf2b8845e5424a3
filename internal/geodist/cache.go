package geodist

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/denabel/GeoCliP/internal/fsutil"
	"github.com/denabel/GeoCliP/internal/metrics"
)

// Cache stores distance matrices as comma-delimited text files named by key.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Path returns the cache file for a key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("distance_matrix_%s.txt", key))
}

// Get reads the matrix stored under key. It reports false when no file
// exists; a file with the wrong shape or unparseable cells is an error.
func (c *Cache) Get(key string, rows, cols int) (*mat.Dense, bool, error) {
	f, err := os.Open(c.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	cr := csv.NewReader(bufio.NewReader(f))
	cr.FieldsPerRecord = cols
	cr.ReuseRecord = true
	data := mat.NewDense(rows, cols, nil)
	i := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", c.Path(key), err)
		}
		if i >= rows {
			return nil, false, fmt.Errorf("read %s: more than %d rows", c.Path(key), rows)
		}
		for j, cell := range rec {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, false, fmt.Errorf("read %s: row %d column %d: %w", c.Path(key), i+1, j+1, err)
			}
			data.Set(i, j, v)
		}
		i++
	}
	if i != rows {
		return nil, false, fmt.Errorf("read %s: %d rows, want %d", c.Path(key), i, rows)
	}
	return data, true, nil
}

// Set writes the matrix under key, replacing any existing file atomically.
func (c *Cache) Set(key string, data *mat.Dense) error {
	return fsutil.WriteFileAtomic(c.Path(key), func(w io.Writer) error {
		cw := csv.NewWriter(w)
		rows, cols := data.Dims()
		rec := make([]string, cols)
		for i := range rows {
			for j := range cols {
				rec[j] = strconv.FormatFloat(data.At(i, j), 'g', -1, 64)
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Registry records computed matrices.
type Registry interface {
	RecordDistanceMatrix(ctx context.Context, key, path string, districts, stations int) error
}

// Provider returns distance matrices from the cache, computing and storing
// them on a miss.
type Provider struct {
	cache     *Cache
	registry  Registry
	workers   int
	recompute bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProvider builds a Provider. registry may be nil. When recompute is set
// the cache is never read but is still refreshed.
func NewProvider(cache *Cache, registry Registry, workers int, recompute bool, logger *slog.Logger, m *metrics.Metrics) *Provider {
	return &Provider{
		cache:     cache,
		registry:  registry,
		workers:   workers,
		recompute: recompute,
		logger:    logger.With("component", "geodist"),
		metrics:   m,
	}
}

func (p *Provider) Matrix(ctx context.Context, districts, stations []Point) (*Matrix, error) {
	key := Key(districts, stations)
	path := p.cache.Path(key)

	if !p.recompute {
		data, ok, err := p.cache.Get(key, len(districts), len(stations))
		switch {
		case err != nil:
			p.logger.Warn("ignoring unreadable distance cache", "path", path, "error", err)
			p.metrics.DistanceCache.WithLabelValues("invalid").Inc()
		case ok:
			p.metrics.DistanceCache.WithLabelValues("hit").Inc()
			p.logger.Info("distance matrix loaded from cache", "key", key, "path", path)
			return &Matrix{Key: key, Districts: ids(districts), Stations: ids(stations), Data: data}, nil
		}
	}

	p.metrics.DistanceCache.WithLabelValues("miss").Inc()
	m, err := Compute(ctx, districts, stations, p.workers)
	if err != nil {
		return nil, fmt.Errorf("compute distance matrix: %w", err)
	}
	if err := p.cache.Set(key, m.Data); err != nil {
		return nil, fmt.Errorf("write distance cache: %w", err)
	}
	if p.registry != nil {
		if err := p.registry.RecordDistanceMatrix(ctx, key, path, len(districts), len(stations)); err != nil {
			return nil, fmt.Errorf("register distance matrix: %w", err)
		}
	}
	p.logger.Info("distance matrix computed",
		"key", key,
		"districts", len(districts),
		"stations", len(stations),
		"path", path)
	return m, nil
}
