package rehash

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/v3/process"
)

// usage is a snapshot of the process footprint.
type usage struct {
	RSS     uint64
	FDs     int32
	Threads int32
}

func sample(ctx context.Context) (usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return usage{}, err
	}
	var u usage
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		u.RSS = mi.RSS
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		u.FDs = n
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	return u, nil
}

// sweep forces a collection and returns memory to the OS, logging the
// footprint before and after. Failing to sample is not an error.
func sweep(ctx context.Context, logger *slog.Logger) {
	before, err := sample(ctx)
	if err != nil {
		logger.Debug("Could not sample process usage.", "error", err)
	}
	runtime.GC()
	debug.FreeOSMemory()
	after, err := sample(ctx)
	if err != nil {
		return
	}
	logger.Info("Resource sweep finished.",
		"rss_before", before.RSS, "rss_after", after.RSS,
		"fds", after.FDs, "threads", after.Threads,
		"goroutines", runtime.NumGoroutine(),
	)
}
