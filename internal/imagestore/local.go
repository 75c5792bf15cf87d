package imagestore

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores images on the local filesystem under baseDir, served as
// static files by the HTTP layer. References look like
// /public/attendance_imgs/LOG_NV001_1709276400000.jpg.
type Local struct {
	baseDir string
}

// NewLocal creates a disk-backed store rooted at baseDir.
func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "public"
	}
	return &Local{baseDir: baseDir}
}

// SaveBase64 decodes a base64 image (with or without a data-URL header)
// and writes it as JPEG named prefix_millis.jpg.
func (l *Local) SaveBase64(folder, prefix, data string, at time.Time) (string, error) {
	raw := data
	if idx := strings.Index(raw, ";base64,"); idx >= 0 {
		raw = raw[idx+len(";base64,"):]
	}
	buf, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	dir := filepath.Join(l.baseDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	if at.IsZero() {
		at = time.Now()
	}
	name := fmt.Sprintf("%s_%d.jpg", prefix, at.UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return "/" + filepath.ToSlash(filepath.Join(l.baseDir, folder, name)), nil
}

// DeletePrefix removes every stored image in folder whose name starts
// with prefix.
func (l *Local) DeletePrefix(folder, prefix string) error {
	dir := filepath.Join(l.baseDir, folder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
