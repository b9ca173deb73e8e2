package config

import (
	"context"
)

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads configuration from the given paths and translates it into
	// the format-agnostic model. Defaults are not applied.
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// Source rebuilds a complete, validated model. The rehash flow calls it
// every time the configuration is reloaded.
type Source interface {
	Build(ctx context.Context) (*Model, error)
}

// RuntimeStore persists the Runtime section between process runs.
type RuntimeStore interface {
	LoadRuntime(ctx context.Context) (Runtime, bool, error)
	SaveRuntime(ctx context.Context, rt Runtime) error
}

// FileSource is a Source backed by a Loader and a fixed list of paths.
type FileSource struct {
	Loader Loader
	Paths  []string
}

// Build loads the files, applies defaults and validates the result.
func (s *FileSource) Build(ctx context.Context) (*Model, error) {
	m, err := s.Loader.Load(ctx, s.Paths...)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(m)
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}
