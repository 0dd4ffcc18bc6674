package storagefile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MutableMapping is a read-write memory-mapped view, PROT_READ|PROT_WRITE /
// MAP_SHARED. It backs both mmap safety classes that may mutate bytes:
//
//   - the exclusive-writer class: a mapping of a container's persisted
//     flag.val or flag.info, of which the daemon is the only writer, used
//     for SetBooleanFlagValue and the override bits when a server or local
//     override is staged. The aconfigd package maps it for one write and
//     closes it before returning.
//   - the scoped class: a short-lived mapping opened, written and closed
//     within a single call, used when rewriting the boot snapshot in place
//     (a LOCAL_IMMEDIATE override, or applying every staged override).
//     Callers needing that discipline open
//     it, write, and Close it within the same function, bracketed by their
//     own permission-relaxation helper (see aconfigd.withRelaxedPermission).
//
// The type itself doesn't know which class a given instance belongs to;
// that's a call-site discipline, but keeping MutableMapping distinct from
// Mapping means the two classes can never be confused by the compiler
// accepting one where the other was intended.
type MutableMapping struct {
	f    *os.File
	data []byte
}

// MapMutableFile opens path for read-write and mmaps it PROT_READ|PROT_WRITE.
func MapMutableFile(path string) (*MutableMapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("storagefile: open %s for mutable mapping: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storagefile: stat %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		return &MutableMapping{f: f}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storagefile: mmap %s: %w", path, err)
	}
	return &MutableMapping{f: f, data: data}, nil
}

// Bytes returns the mapped region for direct in-place mutation.
func (m *MutableMapping) Bytes() []byte {
	return m.data
}

// Sync flushes dirty pages back to the backing file.
func (m *MutableMapping) Sync() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("storagefile: msync: %w", err)
	}
	return nil
}

// Close flushes, unmaps and closes the backing file descriptor.
func (m *MutableMapping) Close() error {
	if m.data != nil {
		if err := m.Sync(); err != nil {
			m.f.Close()
			return err
		}
		data := m.data
		m.data = nil
		if err := unix.Munmap(data); err != nil {
			m.f.Close()
			return fmt.Errorf("storagefile: munmap: %w", err)
		}
	}
	return m.f.Close()
}
