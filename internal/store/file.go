package store

import (
	"context"
	"fmt"
	"os"

	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

var _ registry.Source = (*FileSource)(nil)

// FileSource reads definitions from a local JSON or YAML file.
type FileSource struct {
	path   string
	format Format
}

// NewFileSource validates the file extension; the file itself is read on Load.
func NewFileSource(path string) (*FileSource, error) {
	format, err := FormatFromName(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, format: format}, nil
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Load(ctx context.Context) ([]*ruleengine.Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	flags, err := DecodeFlags(data, s.format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return flags, nil
}
