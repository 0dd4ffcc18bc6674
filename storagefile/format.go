// Package storagefile implements the four flat binary files a container's
// flag storage is built from: package.map, flag.map, flag.val and flag.info.
// The real on-device layout these files mirror (AOSP's aconfig_storage_file)
// is treated as opaque elsewhere in this module; this package owns a
// self-consistent binary layout of its own and exposes only the operations
// the rest of the daemon is allowed to use.
package storagefile

import (
	"encoding/binary"
	"fmt"
)

// FlagValueType enumerates the supported flag value kinds. Boolean is the
// only kind either this repository or upstream aconfig currently defines;
// the type byte is still explicit on disk so a future value type doesn't
// require a format version bump.
type FlagValueType uint8

const (
	FlagValueTypeBoolean FlagValueType = 0
)

// FlagInfoBit indexes the bits packed into a single flag.info byte.
type FlagInfoBit uint8

const (
	FlagInfoBitHasServerOverride FlagInfoBit = 1 << iota
	FlagInfoBitHasLocalOverride
	FlagInfoBitIsReadWrite
)

const formatVersion uint32 = 1

// PackageEntry is one row of package.map: a package's name, its assigned
// numeric id and the first index into flag.val/flag.info its flags occupy.
type PackageEntry struct {
	Name              string
	PackageID         uint32
	BooleanStartIndex uint32
}

// FlagEntry is one row of flag.map: a flag's owning package id, its name
// within that package, its value type and its index into flag.val/flag.info.
type FlagEntry struct {
	PackageID uint32
	Name      string
	ValueType FlagValueType
	FlagIndex uint32
}

// EncodePackageMap serializes package.map. Entries are written in the order
// given; callers that need a stable list order (ListFlags, ListFlagsWithInfo)
// rely on insertion order being preserved here.
func EncodePackageMap(entries []PackageEntry) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], formatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(entries)))
	for _, e := range entries {
		nameBytes := []byte(e.Name)
		row := make([]byte, 2+len(nameBytes)+4+4)
		binary.LittleEndian.PutUint16(row[0:2], uint16(len(nameBytes)))
		copy(row[2:2+len(nameBytes)], nameBytes)
		off := 2 + len(nameBytes)
		binary.LittleEndian.PutUint32(row[off:off+4], e.PackageID)
		binary.LittleEndian.PutUint32(row[off+4:off+8], e.BooleanStartIndex)
		buf = append(buf, row...)
	}
	return buf
}

// DecodePackageMap parses the bytes produced by EncodePackageMap.
func DecodePackageMap(data []byte) ([]PackageEntry, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("storagefile: package.map truncated header")
	}
	count := binary.LittleEndian.Uint32(data[4:8])
	entries := make([]PackageEntry, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("storagefile: package.map truncated at entry %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if off+nameLen+8 > len(data) {
			return nil, fmt.Errorf("storagefile: package.map truncated name at entry %d", i)
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		packageID := binary.LittleEndian.Uint32(data[off : off+4])
		booleanStart := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		entries = append(entries, PackageEntry{Name: name, PackageID: packageID, BooleanStartIndex: booleanStart})
	}
	return entries, nil
}

// EncodeFlagMap serializes flag.map, in the given entry order.
func EncodeFlagMap(entries []FlagEntry) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], formatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(entries)))
	for _, e := range entries {
		nameBytes := []byte(e.Name)
		row := make([]byte, 4+2+len(nameBytes)+1+4)
		binary.LittleEndian.PutUint32(row[0:4], e.PackageID)
		binary.LittleEndian.PutUint16(row[4:6], uint16(len(nameBytes)))
		copy(row[6:6+len(nameBytes)], nameBytes)
		off := 6 + len(nameBytes)
		row[off] = byte(e.ValueType)
		binary.LittleEndian.PutUint32(row[off+1:off+5], e.FlagIndex)
		buf = append(buf, row...)
	}
	return buf
}

// DecodeFlagMap parses the bytes produced by EncodeFlagMap.
func DecodeFlagMap(data []byte) ([]FlagEntry, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("storagefile: flag.map truncated header")
	}
	count := binary.LittleEndian.Uint32(data[4:8])
	entries := make([]FlagEntry, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		if off+6 > len(data) {
			return nil, fmt.Errorf("storagefile: flag.map truncated at entry %d", i)
		}
		packageID := binary.LittleEndian.Uint32(data[off : off+4])
		nameLen := int(binary.LittleEndian.Uint16(data[off+4 : off+6]))
		off += 6
		if off+nameLen+5 > len(data) {
			return nil, fmt.Errorf("storagefile: flag.map truncated name at entry %d", i)
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		valueType := FlagValueType(data[off])
		flagIndex := binary.LittleEndian.Uint32(data[off+1 : off+5])
		off += 5
		entries = append(entries, FlagEntry{
			PackageID: packageID,
			Name:      name,
			ValueType: valueType,
			FlagIndex: flagIndex,
		})
	}
	return entries, nil
}

// EncodeFlagVal serializes flag.val: one byte per boolean flag.
func EncodeFlagVal(values []bool) []byte {
	buf := make([]byte, 8+len(values))
	binary.LittleEndian.PutUint32(buf[0:4], formatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(values)))
	for i, v := range values {
		if v {
			buf[8+i] = 1
		}
	}
	return buf
}

// EncodeFlagInfo serializes flag.info: one bitset byte per flag.
func EncodeFlagInfo(bits []byte) []byte {
	buf := make([]byte, 8+len(bits))
	binary.LittleEndian.PutUint32(buf[0:4], formatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(bits)))
	copy(buf[8:], bits)
	return buf
}

// FileVersion reads the u32 version header common to all four file kinds.
func FileVersion(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("storagefile: file too small to contain a version header")
	}
	return binary.LittleEndian.Uint32(data[0:4]), nil
}

func recordCount(data []byte) (uint32, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("storagefile: file too small to contain a record count")
	}
	return binary.LittleEndian.Uint32(data[4:8]), nil
}
