package telemetry

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/config"
)

// Sweeper periodically deletes session databases (and their telepathist
// siblings) older than the retention window. Databases belonging to open
// sessions are never touched regardless of age.
type Sweeper struct {
	config  *config.Telemetry
	manager *Manager
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a retention sweeper over the manager's root.
func NewSweeper(cfg *config.Telemetry, manager *Manager) *Sweeper {
	return &Sweeper{
		config:  cfg,
		manager: manager,
		logger:  slog.Default().With("component", "telemetry"),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention sweeper started",
		"root", s.config.Root,
		"retention_days", s.config.RetentionDays,
		"interval", s.config.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)

	var removed int
	err := filepath.WalkDir(s.config.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			return nil
		}
		if s.manager.InUse(sessionBase(path)) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.logger.Error("Retention: failed to remove expired database", "path", path, "error", err)
			return nil
		}
		// Stray WAL sidecars would otherwise outlive the database.
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
		removed++
		return nil
	})
	if err != nil {
		s.logger.Error("Retention: sweep failed", "root", s.config.Root, "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Retention: removed expired session databases", "count", removed)
	}
}

// sessionBase maps a telepathist database file back to its session database
// so both are protected while the session is open.
func sessionBase(path string) string {
	if strings.HasSuffix(path, ".telepathist.db") {
		return strings.TrimSuffix(path, ".telepathist.db") + ".db"
	}
	return path
}
