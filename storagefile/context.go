package storagefile

import "fmt"

// ErrInvalidFlagValueType is returned when a flag.map row carries a value
// type byte this build doesn't recognize. Boolean (0) is the only defined
// type today; this is the extensibility point a later value type would land
// on without a storage format version bump.
var ErrInvalidFlagValueType = fmt.Errorf("storagefile: invalid flag value type")

// PackageReadContext resolves a package name against a decoded package.map.
type PackageReadContext struct {
	PackageExists     bool
	PackageID         uint32
	BooleanStartIndex uint32
}

// GetPackageReadContext looks up pkg in entries (in stored order).
func GetPackageReadContext(entries []PackageEntry, pkg string) PackageReadContext {
	for _, e := range entries {
		if e.Name == pkg {
			return PackageReadContext{PackageExists: true, PackageID: e.PackageID, BooleanStartIndex: e.BooleanStartIndex}
		}
	}
	return PackageReadContext{}
}

// FlagReadContext resolves a (packageID, flag name) pair against flag.map.
type FlagReadContext struct {
	FlagExists bool
	ValueType  FlagValueType
	FlagIndex  uint32
}

// GetFlagReadContext looks up (packageID, flag) in entries (stored order).
func GetFlagReadContext(entries []FlagEntry, packageID uint32, flag string) (FlagReadContext, error) {
	for _, e := range entries {
		if e.PackageID == packageID && e.Name == flag {
			if e.ValueType != FlagValueTypeBoolean {
				return FlagReadContext{}, fmt.Errorf("%w: %d", ErrInvalidFlagValueType, e.ValueType)
			}
			return FlagReadContext{FlagExists: true, ValueType: e.ValueType, FlagIndex: e.FlagIndex}, nil
		}
	}
	return FlagReadContext{}, nil
}

// GetBooleanFlagValue reads the byte at flagIndex out of a mapped flag.val.
func GetBooleanFlagValue(data []byte, flagIndex uint32) (bool, error) {
	count, err := recordCount(data)
	if err != nil {
		return false, err
	}
	if flagIndex >= count {
		return false, fmt.Errorf("storagefile: flag index %d out of range (%d values)", flagIndex, count)
	}
	return data[8+flagIndex] != 0, nil
}

// SetBooleanFlagValue writes a single boolean into a mutable flag.val mapping.
func SetBooleanFlagValue(data []byte, flagIndex uint32, value bool) error {
	count, err := recordCount(data)
	if err != nil {
		return err
	}
	if flagIndex >= count {
		return fmt.Errorf("storagefile: flag index %d out of range (%d values)", flagIndex, count)
	}
	if value {
		data[8+flagIndex] = 1
	} else {
		data[8+flagIndex] = 0
	}
	return nil
}

// FlagAttribute reports the flag.info bits for one flag.
type FlagAttribute struct {
	HasServerOverride bool
	HasLocalOverride  bool
	IsReadWrite       bool
}

// GetFlagAttribute reads the flag.info byte at flagIndex.
func GetFlagAttribute(data []byte, flagIndex uint32) (FlagAttribute, error) {
	count, err := recordCount(data)
	if err != nil {
		return FlagAttribute{}, err
	}
	if flagIndex >= count {
		return FlagAttribute{}, fmt.Errorf("storagefile: flag index %d out of range (%d info records)", flagIndex, count)
	}
	b := data[8+flagIndex]
	return FlagAttribute{
		HasServerOverride: b&byte(FlagInfoBitHasServerOverride) != 0,
		HasLocalOverride:  b&byte(FlagInfoBitHasLocalOverride) != 0,
		IsReadWrite:       b&byte(FlagInfoBitIsReadWrite) != 0,
	}, nil
}

func setFlagInfoBit(data []byte, flagIndex uint32, bit FlagInfoBit, value bool) error {
	count, err := recordCount(data)
	if err != nil {
		return err
	}
	if flagIndex >= count {
		return fmt.Errorf("storagefile: flag index %d out of range (%d info records)", flagIndex, count)
	}
	if value {
		data[8+flagIndex] |= byte(bit)
	} else {
		data[8+flagIndex] &^= byte(bit)
	}
	return nil
}

// SetFlagHasServerOverride sets or clears the server-override bit.
func SetFlagHasServerOverride(data []byte, flagIndex uint32, value bool) error {
	return setFlagInfoBit(data, flagIndex, FlagInfoBitHasServerOverride, value)
}

// SetFlagHasLocalOverride sets or clears the local-override bit.
func SetFlagHasLocalOverride(data []byte, flagIndex uint32, value bool) error {
	return setFlagInfoBit(data, flagIndex, FlagInfoBitHasLocalOverride, value)
}

// FlagListEntry is one row returned by ListFlags/ListFlagsWithInfo.
type FlagListEntry struct {
	Package   string
	Flag      string
	FlagIndex uint32
	Attribute FlagAttribute
}

// ListFlags enumerates every flag across every package, in flag.map stored
// order; the order of package.map does not affect the result.
func ListFlags(packages []PackageEntry, flags []FlagEntry) []FlagListEntry {
	byID := make(map[uint32]string, len(packages))
	for _, p := range packages {
		byID[p.PackageID] = p.Name
	}
	out := make([]FlagListEntry, 0, len(flags))
	for _, f := range flags {
		out = append(out, FlagListEntry{Package: byID[f.PackageID], Flag: f.Name, FlagIndex: f.FlagIndex})
	}
	return out
}

// ListFlagsWithInfo is ListFlags plus each flag's flag.info attribute.
func ListFlagsWithInfo(packages []PackageEntry, flags []FlagEntry, info []byte) ([]FlagListEntry, error) {
	entries := ListFlags(packages, flags)
	for i := range entries {
		attr, err := GetFlagAttribute(info, entries[i].FlagIndex)
		if err != nil {
			return nil, err
		}
		entries[i].Attribute = attr
	}
	return entries, nil
}
