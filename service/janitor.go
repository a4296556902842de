package service

import (
	"HumanCountServer/logger"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Janitor removes artifacts nobody came back for, claims whose release was
// lost, and temp inputs left behind by a crash.
type Janitor struct {
	Dir string
	TTL time.Duration
}

// Sweep deletes every managed file in Dir older than TTL and returns how many
// were removed. Files it does not recognise are left alone.
func (j *Janitor) Sweep(now time.Time) int {
	if j.TTL <= 0 {
		return 0
	}
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Log().Warn("janitor cannot list temp dir", zap.String("dir", j.Dir), zap.Error(err))
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !managed(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < j.TTL {
			continue
		}
		path := filepath.Join(j.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Log().Debug("janitor failed to remove", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Log().Info("janitor swept expired files", zap.Int("removed", removed))
	}
	return removed
}

func managed(name string) bool {
	switch {
	case strings.HasPrefix(name, InputPrefix):
		return true
	case strings.HasPrefix(name, ClaimedPrefix):
		return ValidArtifactName(strings.TrimPrefix(name, ClaimedPrefix))
	default:
		return ValidArtifactName(name)
	}
}

// Run sweeps every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if j.TTL <= 0 || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			j.Sweep(now)
		}
	}
}
