package export

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/chavi-india/draw-agent/internal/errors"
)

// FileSHA256 streams the file through SHA-256 and returns the hex digest.
// The digest is computed from the file on disk at call time, never cached.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.New(fmt.Errorf("opening archive for checksum: %w", err)).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.New(fmt.Errorf("hashing archive: %w", err)).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
