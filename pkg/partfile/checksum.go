package partfile

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

// Checksum returns the hex-encoded SHA-256 of a part-file's content.
func Checksum(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is built from the configured output directory
	if err != nil {
		return "", qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to open file for checksum")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes a part-file's checksum and compares it to the recorded
// value. A missing file is not an error here; it simply fails verification.
func Verify(path, recorded string) bool {
	if recorded == "" {
		return false
	}
	sum, err := Checksum(path)
	if err != nil {
		return false
	}
	return sum == recorded
}
