// Package yamlconfig provides the YAML implementation of config.Loader.
package yamlconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/ctxlog"
	"github.com/vk/servicesd/internal/fsutil"
	"gopkg.in/yaml.v3"
)

type document struct {
	Service  *service                     `yaml:"service"`
	Link     *link                        `yaml:"link"`
	Storage  *storage                     `yaml:"storage"`
	RPC      *rpc                         `yaml:"rpc"`
	Observer *observer                    `yaml:"observer"`
	Notices  *notices                     `yaml:"notices"`
	Modules  *modules                     `yaml:"modules"`
	Module   map[string]map[string]string `yaml:"module"`
}

type service struct {
	ServerName    string `yaml:"server_name"`
	ServerID      string `yaml:"server_id"`
	Description   string `yaml:"description"`
	Nickname      string `yaml:"nickname"`
	Ident         string `yaml:"ident"`
	Host          string `yaml:"host"`
	Realname      string `yaml:"realname"`
	Channel       string `yaml:"channel"`
	CommandPrefix string `yaml:"command_prefix"`
}

type link struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Protocol          string `yaml:"protocol"`
	Password          string `yaml:"password"`
	TLS               bool   `yaml:"tls"`
	MaxBackoffSeconds int    `yaml:"max_backoff_seconds"`
}

type storage struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type rpc struct {
	Enabled bool              `yaml:"enabled"`
	Listen  string            `yaml:"listen"`
	Users   map[string]string `yaml:"users"`
}

type observer struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

type notices struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type modules struct {
	Default []string `yaml:"default"`
}

// Loader reads .yaml and .yml files. Documents are merged in file order.
type Loader struct{}

// NewLoader creates a new YAML configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load implements config.Loader.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := fsutil.ExpandPaths(paths, ".yaml", ".yml")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .yaml configuration found in %v", paths)
	}

	m := &config.Model{}
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		for {
			var doc document
			if err := dec.Decode(&doc); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("failed to decode YAML file %s: %w", file, err)
			}
			translate(&doc, m)
		}
	}
	logger.Debug("YAML loading complete.", "files", len(files))
	return m, nil
}

func translate(d *document, m *config.Model) {
	if s := d.Service; s != nil {
		m.Service = config.Service(*s)
	}
	if l := d.Link; l != nil {
		m.Link = config.Link(*l)
	}
	if s := d.Storage; s != nil {
		m.Storage = config.Storage(*s)
	}
	if r := d.RPC; r != nil {
		m.RPC = config.RPC{Enabled: r.Enabled, Listen: r.Listen}
		for _, name := range slices.Sorted(maps.Keys(r.Users)) {
			m.RPC.Users = append(m.RPC.Users, config.RPCUser{Name: name, Password: r.Users[name]})
		}
	}
	if o := d.Observer; o != nil {
		m.Observer = config.Observer(*o)
	}
	if n := d.Notices; n != nil {
		m.Notices = config.Notices(*n)
	}
	if mods := d.Modules; mods != nil {
		m.Modules.Default = append([]string(nil), mods.Default...)
	}
	for name, settings := range d.Module {
		if m.Modules.Settings == nil {
			m.Modules.Settings = make(map[string]map[string]string)
		}
		kv := make(map[string]string, len(settings))
		for k, v := range settings {
			kv[k] = v
		}
		m.Modules.Settings[name] = kv
	}
}
