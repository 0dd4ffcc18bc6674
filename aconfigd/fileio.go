package aconfigd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PB is anything with a Marshal/Unmarshal pair of the shape this package's
// hand-rolled wire messages (internal/pb) expose.
type PB interface {
	Marshal() []byte
	Unmarshal([]byte) error
}

// CopyFile copies src to dst and sets dst's permission bits to mode.
// Grounded on original_source/aconfigd/src/utils.rs's copy_file.
func CopyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: copy %s -> %s: %v", ErrFailToGetStorageFiles, src, dst, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("aconfigd: fail to copy file %s -> %s: %w", src, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("aconfigd: fail to copy file %s -> %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("aconfigd: fail to copy file %s -> %s: %w", src, dst, err)
	}
	return SetFilePermission(dst, mode)
}

// SetFilePermission chmods path.
func SetFilePermission(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("aconfigd: fail to update permission of %s to %o: %w", path, mode, err)
	}
	return nil
}

// RemoveFile removes path.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("aconfigd: fail to remove file %s: %w", path, err)
	}
	return nil
}

// ReadPB reads and parses path into pb. A missing file leaves pb at its
// zero value and returns no error, matching read_pb_from_file's convention
// that an absent record index is an empty one, not a failure.
func ReadPB(path string, pb PB) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("aconfigd: fail to read file %s: %w", path, err)
	}
	if err := pb.Unmarshal(data); err != nil {
		return fmt.Errorf("aconfigd: fail to parse pb from %s: %w", path, err)
	}
	return nil
}

// WritePB serializes pb and writes it to path atomically: a temp file in the
// same directory followed by rename, closing the gap the original's plain
// fs::write left open (see SPEC_FULL.md's File/IO utilities module, which
// resolves that Open Question in favor of atomicity everywhere, not only
// for the record index).
func WritePB(path string, pb PB) error {
	data := pb.Marshal()
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("aconfigd: fail to serialize pb for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("aconfigd: fail to write file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("aconfigd: fail to write file %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("aconfigd: fail to write file %s: %w", path, err)
	}
	return nil
}

// GetFilesDigest hashes the concatenation of every path's contents with
// SHA-256 and returns the lowercase hex digest, reading each file in fixed
// chunks the way original_source/aconfigd/src/utils.rs's get_files_digest
// does (1024-byte reads into a reused buffer).
func GetFilesDigest(paths []string) (string, error) {
	h := sha256.New()
	buf := make([]byte, 1024)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("aconfigd: fail to open file %s: %w", p, err)
		}
		for {
			n, err := f.Read(buf)
			if n > 0 {
				h.Write(buf[:n])
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return "", fmt.Errorf("aconfigd: fail to hash file %s: %w", p, err)
			}
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// withRelaxedPermission runs fn with path's mode temporarily widened to
// relaxedMode, guaranteeing the original mode is restored on every exit
// path including a panic unwind - spec.md §9's Open Question on permission
// relaxation for boot-snapshot edits, resolved in favor of the
// always-restore behavior.
func withRelaxedPermission(path string, relaxedMode os.FileMode, fn func() error) (err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return fmt.Errorf("aconfigd: fail to get file metadata for %s: %w", path, statErr)
	}
	originalMode := info.Mode().Perm()

	if err := SetFilePermission(path, relaxedMode); err != nil {
		return err
	}
	defer func() {
		if restoreErr := SetFilePermission(path, originalMode); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()

	return fn()
}
