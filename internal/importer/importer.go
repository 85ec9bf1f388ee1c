// Package importer loads tracked sources from YAML files and writes them back.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Entry is one source in a YAML file.
type Entry struct {
	URL       string `yaml:"url"`
	Name      string `yaml:"name,omitempty"`
	AvatarURL string `yaml:"avatar_url,omitempty"`
}

// File is the document layout. A bare top-level list of entries is accepted too.
type File struct {
	Sources []Entry `yaml:"sources"`
}

// Result counts what an import did.
type Result struct {
	Created int
	Skipped int
	Invalid []string
}

// Parse decodes a sources document.
func Parse(r io.Reader) ([]Entry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var entries []Entry
		if err := node.Content[0].Decode(&entries); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		return entries, nil
	}
	var f File
	if err := node.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return f.Sources, nil
}

// Import creates every valid entry that does not exist yet.
func Import(ctx context.Context, store watch.SourceStore, r io.Reader, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := Parse(r)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, e := range entries {
		src, ok := normalize(e)
		if !ok {
			res.Invalid = append(res.Invalid, e.URL)
			logger.Warn("skipping invalid source", zap.String("url", e.URL))
			continue
		}
		if _, err := store.CreateSource(ctx, src); err != nil {
			if errors.Is(err, watch.ErrDuplicate) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("import %s: %w", src.URL, err)
		}
		res.Created++
	}
	logger.Info("sources imported",
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
		zap.Int("invalid", len(res.Invalid)),
	)
	return res, nil
}

// Write encodes sources in the File layout.
func Write(w io.Writer, sources []watch.Source) error {
	f := File{Sources: make([]Entry, 0, len(sources))}
	for _, s := range sources {
		f.Sources = append(f.Sources, Entry{URL: s.URL, Name: s.Name, AvatarURL: s.AvatarURL})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	return nil
}

func normalize(e Entry) (watch.Source, bool) {
	raw := strings.TrimSpace(e.URL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return watch.Source{}, false
	}
	return watch.Source{
		URL:       raw,
		Name:      strings.TrimSpace(e.Name),
		AvatarURL: strings.TrimSpace(e.AvatarURL),
	}, true
}
