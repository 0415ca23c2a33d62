package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Templates map[string]Entry `yaml:"templates"`
}

// FileCatalog serves templates from a YAML file and falls back to another
// catalog for types the file does not define. While the file is missing or
// invalid every lookup fails with ErrTemplateUnavailable.
type FileCatalog struct {
	path     string
	fallback Catalog
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	loadErr error
}

var _ Catalog = (*FileCatalog)(nil)

func NewFileCatalog(path string, fallback Catalog, logger zerolog.Logger) (*FileCatalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("template file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve template file: %w", err)
	}
	c := &FileCatalog{
		path:     abs,
		fallback: fallback,
		logger:   logger.With().Str("templates_file", abs).Logger(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCatalog) Path() string {
	return c.path
}

func (c *FileCatalog) Reload() error {
	entries, err := loadEntries(c.path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.loadErr = err
		return err
	}
	c.entries = entries
	c.loadErr = nil
	return nil
}

func (c *FileCatalog) Template(ctx context.Context, analysisType, relationshipContext string) (Template, error) {
	name := normalizeType(analysisType)

	c.mu.RLock()
	loadErr := c.loadErr
	entry, ok := c.entries[name]
	c.mu.RUnlock()

	if loadErr != nil {
		return Template{}, fmt.Errorf("%w: %v", ErrTemplateUnavailable, loadErr)
	}
	if ok {
		return resolveEntry(name, entry, relationshipContext), nil
	}
	if c.fallback != nil {
		return c.fallback.Template(ctx, name, relationshipContext)
	}
	return Template{}, fmt.Errorf("%w: unknown analysis type %q", ErrTemplateUnavailable, name)
}

func (c *FileCatalog) Types() []string {
	set := make(map[string]struct{})
	if c.fallback != nil {
		for _, name := range c.fallback.Types() {
			set[name] = struct{}{}
		}
	}
	c.mu.RLock()
	for name := range c.entries {
		set[name] = struct{}{}
	}
	c.mu.RUnlock()

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Watch reloads the catalog whenever the file changes. It blocks until ctx
// is done. The parent directory is watched so editors that replace the file
// by rename are handled.
func (c *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch template dir: %w", err)
	}
	c.logger.Info().Msg("watching template catalog")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warn().Err(err).Str("op", event.Op.String()).Msg("template catalog unavailable")
				continue
			}
			c.logger.Info().Str("op", event.Op.String()).Msg("template catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error().Err(err).Msg("template watcher error")
		}
	}
}

func loadEntries(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode template file: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, errors.New("template file defines no templates")
	}

	entries := make(map[string]Entry, len(doc.Templates))
	for name, entry := range doc.Templates {
		key := normalizeType(name)
		if strings.TrimSpace(entry.Template) == "" {
			return nil, fmt.Errorf("template %q is empty", key)
		}
		if schema := strings.TrimSpace(entry.Schema); schema != "" {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema)); err != nil {
				return nil, fmt.Errorf("template %q schema: %w", key, err)
			}
		}
		entries[key] = entry
	}
	return entries, nil
}
