package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/vk/servicesd/internal/ctxlog"
)

// DependencyReloader reloads the shared units a module depends on before
// the module itself is rebuilt.
type DependencyReloader struct {
	Host *Host
}

// ReloadGraph reloads every loaded unit under prefix in reverse
// lexicographic order, so deeper units go before their parents. Entry and
// schema units are skipped; the caller rebuilds those. A failing unit is
// logged and does not stop the others. It returns the units reloaded and
// the joined failures.
func (r *DependencyReloader) ReloadGraph(ctx context.Context, prefix string) ([]string, error) {
	logger := ctxlog.FromContext(ctx).With("prefix", prefix)

	var names []string
	for _, u := range r.Host.Units(prefix) {
		if u.Kind == KindEntry || u.Kind == KindSchema {
			continue
		}
		names = append(names, u.Name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var (
		reloaded []string
		errs     []error
	)
	for _, name := range names {
		if err := r.Host.ReloadUnit(ctx, name); err != nil {
			logger.Error("Failed to reload dependency.", "unit", name, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Debug("Dependency reloaded.", "unit", name)
		reloaded = append(reloaded, name)
	}
	if len(names) > 0 {
		logger.Log(ctx, levelFor(errs), "Dependency graph reloaded.", "reloaded", len(reloaded), "failed", len(errs))
	}
	return reloaded, errors.Join(errs...)
}

func levelFor(errs []error) slog.Level {
	if len(errs) > 0 {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}
