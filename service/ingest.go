package service

import (
	"HumanCountServer/utils"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	InputPrefix      = "temp_"
	DefaultExt       = ".jpg"
	DefaultChunkSize = 1 << 20
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".webp": true, ".tif": true, ".tiff": true,
}

// InputExt picks the temp file extension from the client's filename.
func InputExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if imageExts[ext] {
		return ext
	}
	return DefaultExt
}

// Ingest streams r into a new temp_<id><ext> file under dir, chunkSize bytes
// at a time. The path is returned even on failure so the caller can remove
// whatever was written. The content is not validated.
func Ingest(ctx context.Context, r io.Reader, filename, dir string, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIngest, err)
	}
	path := filepath.Join(dir, utils.TempName(InputPrefix, InputExt(filename)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return path, fmt.Errorf("%w: %w", ErrIngest, err)
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return path, fmt.Errorf("%w: %w", ErrIngest, err)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				return path, fmt.Errorf("%w: %w", ErrIngest, werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = f.Close()
			return path, fmt.Errorf("%w: %w", ErrIngest, rerr)
		}
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("%w: %w", ErrIngest, err)
	}
	return path, nil
}
