package storagefile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a read-only memory-mapped view of one of the four storage
// files. It is the immutable-read-only mmap class: once constructed it is
// never written through, and it never needs its backing file's permission
// relaxed. Grounded on the unix.Mmap/unix.Munmap usage in
// go.podman.io/storage/pkg/chunked (vendored under the lazydocker example),
// the only concrete mmap call site found anywhere in the retrieval pack.
type Mapping struct {
	data []byte
}

// MapFile mmaps path PROT_READ/MAP_SHARED and returns an immutable view.
func MapFile(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storagefile: open %s for read mapping: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("storagefile: stat %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		return &Mapping{data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("storagefile: mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return &Mapping{data: data}, nil
}

// Bytes returns the mapped region. Callers must not retain it past Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Close unmaps the region. Safe to call on a Mapping backed by an empty file.
func (m *Mapping) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("storagefile: munmap: %w", err)
	}
	return nil
}
