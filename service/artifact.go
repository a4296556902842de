package service

import (
	"HumanCountServer/logger"
	"HumanCountServer/utils"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

const (
	ArtifactExt   = ".jpg"
	ClaimedPrefix = "claimed_"
)

var artifactName = regexp.MustCompile(`^[0-9a-f]{32}\.jpg$`)

// ValidArtifactName reports whether name could have been issued by NewName.
func ValidArtifactName(name string) bool {
	return artifactName.MatchString(name)
}

// ArtifactStore owns rendered images until their single retrieval.
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir}
}

func (s *ArtifactStore) Dir() string { return s.dir }

// NewName returns a fresh artifact name and the path it should be written to.
func (s *ArtifactStore) NewName() (string, string) {
	name := utils.TempName("", ArtifactExt)
	return name, filepath.Join(s.dir, name)
}

// Claim takes exclusive ownership of the named artifact. The file is renamed
// away from its public name, so of several concurrent claims exactly one
// succeeds and every later one gets ErrArtifactNotFound.
func (s *ArtifactStore) Claim(name string) (*Claim, error) {
	if !ValidArtifactName(name) {
		return nil, ErrArtifactNotFound
	}
	src := filepath.Join(s.dir, name)
	dst := filepath.Join(s.dir, ClaimedPrefix+name)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("claim %s: %w", name, err)
	}
	return &Claim{Name: name, Path: dst}, nil
}

// Claim is a retrieved artifact waiting to be deleted.
type Claim struct {
	Name string
	Path string
	once sync.Once
}

// Release deletes the claimed file. Errors are logged and dropped.
func (c *Claim) Release() {
	c.once.Do(func() {
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Log().Debug("failed to remove artifact", zap.String("name", c.Name), zap.Error(err))
		}
	})
}

// removeQuietly is the best-effort delete used for temp inputs.
func removeQuietly(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Log().Debug("failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}
