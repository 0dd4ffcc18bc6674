package aconfigd

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/flagstore/aconfigd/internal/pb"
	"github.com/flagstore/aconfigd/storagefile"
)

// bootFileMode is the permission the boot snapshot's .val/.info files carry
// once fully populated: readable by any flag reader, writable by nobody -
// including this daemon - until a write is explicitly bracketed by
// withRelaxedPermission. relaxedBootFileMode is what that bracket widens to.
// persistFileMode is the permission the persisted flag.val/flag.info files
// carry: the daemon is their only writer for the lifetime of the storage-file
// set, so unlike the boot pair they need no relax/restore bracket around a
// write (spec.md §4.B's "mutable to a file whose only writer is this
// mapping" class). persistMapFileMode is the permission for the persisted
// package.map/flag.map copies, which are never rewritten after from_container.
const (
	bootFileMode        os.FileMode = 0o444
	relaxedBootFileMode os.FileMode = 0o644
	persistFileMode     os.FileMode = 0o644
	persistMapFileMode  os.FileMode = 0o444
)

type flagKey struct {
	Package string
	Flag    string
}

// PackageFlagContext is the result of addressing a (package, flag) pair
// against one container's storage: whether the package is known, whether
// the flag is known within it, and if so its value type and index into
// flag.val/flag.info.
type PackageFlagContext struct {
	PackageExists bool
	FlagExists    bool
	ValueType     storagefile.FlagValueType
	FlagIndex     uint32
}

// FlagSnapshot is the full multi-tier view of one flag: its value at every
// tier that defines one, plus its read-write and override-presence bits.
type FlagSnapshot struct {
	Package           string
	Flag              string
	ServerValue       string
	HasServerOverride bool
	LocalValue        string
	HasLocalOverride  bool
	BootValue         bool
	DefaultValue      bool
	IsReadWrite       bool
}

// StorageFiles is the storage-file set for a single container: a storage
// record plus the package/flag maps, decoded once when the set is
// constructed, and the local-override list. No mapping is held between
// calls: each operation maps the file it needs and closes it before
// returning. Grounded on original_source/aconfigd/src/storage_files.rs, with its
// three mmap classes (immutable default, exclusive-writer persist,
// short-lived scoped boot edit) kept distinct per spec.md §4.B - server
// overrides have no sidecar of their own; their value lives directly in the
// persisted flag.val, and their presence is the persisted flag.info's
// HasServerOverride bit, both read on demand rather than cached in memory.
type StorageFiles struct {
	Record  pb.PersistStorageRecord
	rootDir string

	packages []storagefile.PackageEntry
	flags    []storagefile.FlagEntry

	localOverrides map[flagKey]string
}

// containerPaths derives every persisted/boot path for container from
// rootDir, matching spec.md §3's record shape: these paths are never stored
// on the record itself, only recomputed here.
func containerPaths(rootDir, container string) (persistPackageMap, persistFlagMap, persistFlagVal, persistFlagInfo, bootVal, bootInfo, localOverrides string) {
	mapsDir := filepath.Join(rootDir, "maps")
	bootDir := filepath.Join(rootDir, "boot")
	flagsDir := filepath.Join(rootDir, "flags")
	return filepath.Join(mapsDir, container+".package.map"),
		filepath.Join(mapsDir, container+".flag.map"),
		filepath.Join(flagsDir, container+".val"),
		filepath.Join(flagsDir, container+".info"),
		filepath.Join(bootDir, container+".val"),
		filepath.Join(bootDir, container+".info"),
		filepath.Join(flagsDir, container+"_local_overrides.pb")
}

// FromContainer builds a fresh StorageFiles for container: copies its four
// default files to the persisted paths (mode 0o444 for the maps, 0o644 for
// the values), copies the default flag.val/flag.info to the boot snapshot,
// and writes an empty local-override list. No overrides are staged yet.
func FromContainer(rootDir, container, defaultPackageMap, defaultFlagMap, defaultFlagVal, defaultFlagInfo string) (*StorageFiles, error) {
	persistPackageMap, persistFlagMap, persistFlagVal, persistFlagInfo, bootVal, bootInfo, localOverridesPath := containerPaths(rootDir, container)

	for _, dir := range []string{filepath.Join(rootDir, "maps"), filepath.Join(rootDir, "boot"), filepath.Join(rootDir, "flags")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WithFile(ErrFailToGetStorageFiles, dir)
		}
	}

	copies := []struct {
		src, dst string
		mode     os.FileMode
	}{
		{defaultPackageMap, persistPackageMap, persistMapFileMode},
		{defaultFlagMap, persistFlagMap, persistMapFileMode},
		{defaultFlagVal, persistFlagVal, persistFileMode},
		{defaultFlagInfo, persistFlagInfo, persistFileMode},
		{defaultFlagVal, bootVal, persistFileMode},
		{defaultFlagInfo, bootInfo, persistFileMode},
	}
	for _, p := range []string{bootVal, bootInfo} {
		if _, statErr := os.Stat(p); statErr == nil {
			if err := SetFilePermission(p, relaxedBootFileMode); err != nil {
				return nil, err
			}
		}
	}
	for _, c := range copies {
		if err := CopyFile(c.src, c.dst, c.mode); err != nil {
			return nil, err
		}
	}
	if err := SetFilePermission(bootVal, bootFileMode); err != nil {
		return nil, err
	}
	if err := SetFilePermission(bootInfo, bootFileMode); err != nil {
		return nil, err
	}

	version, err := readFlagValVersion(defaultFlagVal)
	if err != nil {
		return nil, err
	}

	digest, err := GetFilesDigest([]string{defaultPackageMap, defaultFlagMap, defaultFlagVal, defaultFlagInfo})
	if err != nil {
		return nil, err
	}

	if err := persistOverrides(localOverridesPath, map[flagKey]string{}); err != nil {
		return nil, err
	}

	record := pb.PersistStorageRecord{
		Version:           version,
		Container:         container,
		DefaultPackageMap: defaultPackageMap,
		DefaultFlagMap:    defaultFlagMap,
		DefaultFlagVal:    defaultFlagVal,
		DefaultFlagInfo:   defaultFlagInfo,
		DigestSha256:      digest,
	}
	return FromPB(rootDir, record)
}

func readFlagValVersion(path string) (uint32, error) {
	m, err := storagefile.MapFile(path)
	if err != nil {
		return 0, WithFile(ErrFailToGetStorageFiles, path)
	}
	defer m.Close()
	return storagefile.FileVersion(m.Bytes())
}

// FromPB reconstructs a StorageFiles from an already-persisted record: a
// pure constructor that touches the filesystem only to read back the
// already-existing persisted package/flag maps and local-override list, per
// spec.md §4.B's "from_pb ... does not touch the filesystem" (no copy or
// write - only the reads from_container already performed previously).
func FromPB(rootDir string, record pb.PersistStorageRecord) (*StorageFiles, error) {
	persistPackageMap, persistFlagMap, _, _, _, _, localOverridesPath := containerPaths(rootDir, record.Container)

	packages, err := decodePackageMap(persistPackageMap)
	if err != nil {
		return nil, err
	}
	flags, err := decodeFlagMap(persistFlagMap)
	if err != nil {
		return nil, err
	}

	localOverrides, err := loadOverrides(localOverridesPath)
	if err != nil {
		return nil, err
	}

	return &StorageFiles{
		Record:         record,
		rootDir:        rootDir,
		packages:       packages,
		flags:          flags,
		localOverrides: localOverrides,
	}, nil
}

func decodePackageMap(path string) ([]storagefile.PackageEntry, error) {
	m, err := storagefile.MapFile(path)
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, path)
	}
	defer m.Close()
	entries, err := storagefile.DecodePackageMap(m.Bytes())
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, path)
	}
	return entries, nil
}

func decodeFlagMap(path string) ([]storagefile.FlagEntry, error) {
	m, err := storagefile.MapFile(path)
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, path)
	}
	defer m.Close()
	entries, err := storagefile.DecodeFlagMap(m.Bytes())
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, path)
	}
	return entries, nil
}

func loadOverrides(path string) (map[flagKey]string, error) {
	var pbOverrides pb.FlagValueOverrides
	if err := ReadPB(path, &pbOverrides); err != nil {
		return nil, err
	}
	out := make(map[flagKey]string, len(pbOverrides.Overrides))
	for _, o := range pbOverrides.Overrides {
		out[flagKey{o.PackageName, o.FlagName}] = o.FlagValue
	}
	return out, nil
}

func persistOverrides(path string, overrides map[flagKey]string) error {
	pbOverrides := pb.FlagValueOverrides{Overrides: make([]pb.FlagValueOverride, 0, len(overrides))}
	for k, v := range overrides {
		pbOverrides.Overrides = append(pbOverrides.Overrides, pb.FlagValueOverride{PackageName: k.Package, FlagName: k.Flag, FlagValue: v})
	}
	return WritePB(path, &pbOverrides)
}

func (sf *StorageFiles) persistPackageMapPath() string {
	p, _, _, _, _, _, _ := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

func (sf *StorageFiles) persistFlagMapPath() string {
	_, p, _, _, _, _, _ := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

func (sf *StorageFiles) persistFlagValPath() string {
	_, _, p, _, _, _, _ := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

func (sf *StorageFiles) persistFlagInfoPath() string {
	_, _, _, p, _, _, _ := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

func (sf *StorageFiles) bootValPath() string {
	_, _, _, _, p, _, _ := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

func (sf *StorageFiles) bootInfoPath() string {
	_, _, _, _, _, p, _ := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

func (sf *StorageFiles) localOverridesPath() string {
	_, _, _, _, _, _, p := containerPaths(sf.rootDir, sf.Record.Container)
	return p
}

// HasPackage reports whether pkg is defined in this container's package map.
func (sf *StorageFiles) HasPackage(pkg string) bool {
	return storagefile.GetPackageReadContext(sf.packages, pkg).PackageExists
}

// GetPackageFlagContext resolves (pkg, flag) against this container.
func (sf *StorageFiles) GetPackageFlagContext(pkg, flag string) (PackageFlagContext, error) {
	pctx := storagefile.GetPackageReadContext(sf.packages, pkg)
	if !pctx.PackageExists {
		return PackageFlagContext{}, nil
	}
	fctx, err := storagefile.GetFlagReadContext(sf.flags, pctx.PackageID, flag)
	if err != nil {
		return PackageFlagContext{}, WithFlag(ErrInvalidFlagValueType, pkg, flag)
	}
	return PackageFlagContext{
		PackageExists: true,
		FlagExists:    fctx.FlagExists,
		ValueType:     fctx.ValueType,
		FlagIndex:     fctx.FlagIndex,
	}, nil
}

// GetFlagAttribute reads the persisted flag.info bits for flagIndex - the
// staged-state truth, independent of whatever the boot snapshot currently
// holds (spec.md Invariant 5).
func (sf *StorageFiles) GetFlagAttribute(flagIndex uint32) (storagefile.FlagAttribute, error) {
	path := sf.persistFlagInfoPath()
	m, err := storagefile.MapFile(path)
	if err != nil {
		return storagefile.FlagAttribute{}, WithFile(ErrFailToGetStorageFiles, path)
	}
	defer m.Close()
	return storagefile.GetFlagAttribute(m.Bytes(), flagIndex)
}

// GetDefaultFlagValue reads flagIndex directly out of the container's
// external default flag.val - an immutable-read-only mapping, per spec.md
// §4.B's "default flag.val" read-only mapping.
func (sf *StorageFiles) GetDefaultFlagValue(flagIndex uint32) (bool, error) {
	path := sf.Record.DefaultFlagVal
	m, err := storagefile.MapFile(path)
	if err != nil {
		return false, WithFile(ErrFailToGetStorageFiles, path)
	}
	defer m.Close()
	return storagefile.GetBooleanFlagValue(m.Bytes(), flagIndex)
}

// GetBootFlagValue reads flagIndex out of the boot snapshot.
func (sf *StorageFiles) GetBootFlagValue(flagIndex uint32) (bool, error) {
	path := sf.bootValPath()
	m, err := storagefile.MapFile(path)
	if err != nil {
		return false, WithFile(ErrFailToGetStorageFiles, path)
	}
	defer m.Close()
	return storagefile.GetBooleanFlagValue(m.Bytes(), flagIndex)
}

// GetServerFlagValue returns the staged server override for (pkg, flag), if
// any - derived from the persisted flag.info's HasServerOverride bit and,
// when set, the persisted flag.val's value, per spec.md §4.B.
func (sf *StorageFiles) GetServerFlagValue(pkg, flag string) (string, bool) {
	ctx, err := sf.GetPackageFlagContext(pkg, flag)
	if err != nil || !ctx.PackageExists || !ctx.FlagExists {
		return "", false
	}
	attr, err := sf.GetFlagAttribute(ctx.FlagIndex)
	if err != nil || !attr.HasServerOverride {
		return "", false
	}
	path := sf.persistFlagValPath()
	m, err := storagefile.MapFile(path)
	if err != nil {
		return "", false
	}
	defer m.Close()
	v, err := storagefile.GetBooleanFlagValue(m.Bytes(), ctx.FlagIndex)
	if err != nil {
		return "", false
	}
	return strconv.FormatBool(v), true
}

// GetLocalFlagValue returns the staged local override for (pkg, flag), if any.
func (sf *StorageFiles) GetLocalFlagValue(pkg, flag string) (string, bool) {
	v, ok := sf.localOverrides[flagKey{pkg, flag}]
	return v, ok
}

// GetAllServerOverrides derives every staged server override by listing
// every flag in this container and filtering on the persisted flag.info's
// HasServerOverride bit, per spec.md §4.B's get_all_server_overrides.
func (sf *StorageFiles) GetAllServerOverrides() (map[flagKey]string, error) {
	infoPath := sf.persistFlagInfoPath()
	infoMap, err := storagefile.MapFile(infoPath)
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, infoPath)
	}
	defer infoMap.Close()

	valPath := sf.persistFlagValPath()
	valMap, err := storagefile.MapFile(valPath)
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, valPath)
	}
	defer valMap.Close()

	names := make(map[uint32]string, len(sf.packages))
	for _, p := range sf.packages {
		names[p.PackageID] = p.Name
	}

	out := make(map[flagKey]string)
	for _, f := range sf.flags {
		attr, err := storagefile.GetFlagAttribute(infoMap.Bytes(), f.FlagIndex)
		if err != nil {
			return nil, err
		}
		if !attr.HasServerOverride {
			continue
		}
		v, err := storagefile.GetBooleanFlagValue(valMap.Bytes(), f.FlagIndex)
		if err != nil {
			return nil, err
		}
		out[flagKey{names[f.PackageID], f.Name}] = strconv.FormatBool(v)
	}
	return out, nil
}

// GetAllLocalOverrides returns a copy of every staged local override.
func (sf *StorageFiles) GetAllLocalOverrides() map[flagKey]string {
	return cloneOverrides(sf.localOverrides)
}

func cloneOverrides(m map[flagKey]string) map[flagKey]string {
	out := make(map[flagKey]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func validateBooleanValue(pkg, flag, value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return WithFlag(ErrInvalidFlagValue, pkg, flag)
	}
	return nil
}

// StageServerOverride stages a server-pushed value to apply at next boot:
// writes the persisted flag.val and sets HasServerOverride in the persisted
// flag.info. Never touches the boot snapshot - per spec.md Invariant 5, the
// boot snapshot may only be rewritten directly for LOCAL_IMMEDIATE.
func (sf *StorageFiles) StageServerOverride(pkg, flag, value string) error {
	ctx, err := sf.GetPackageFlagContext(pkg, flag)
	if err != nil {
		return err
	}
	if !ctx.PackageExists || !ctx.FlagExists {
		return WithFlag(ErrFlagDoesNotExist, pkg, flag)
	}
	attr, err := sf.GetFlagAttribute(ctx.FlagIndex)
	if err != nil {
		return err
	}
	if !attr.IsReadWrite {
		return WithFlag(ErrFlagIsReadOnly, pkg, flag)
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return WithFlag(ErrInvalidFlagValue, pkg, flag)
	}

	if err := sf.writePersistBooleanValue(ctx.FlagIndex, boolValue); err != nil {
		return err
	}
	return sf.setPersistInfoBit(ctx.FlagIndex, storagefile.FlagInfoBitHasServerOverride, true)
}

// StageLocalOverride stages a local value to apply at next boot.
func (sf *StorageFiles) StageLocalOverride(pkg, flag, value string) error {
	ctx, writable, err := sf.resolveWritableFlag(pkg, flag)
	if err != nil {
		return err
	}
	if !writable {
		return WithFlag(ErrFlagIsReadOnly, pkg, flag)
	}
	if err := validateBooleanValue(pkg, flag, value); err != nil {
		return err
	}

	sf.localOverrides[flagKey{pkg, flag}] = value
	if err := persistOverrides(sf.localOverridesPath(), sf.localOverrides); err != nil {
		return err
	}
	return sf.setPersistInfoBit(ctx.FlagIndex, storagefile.FlagInfoBitHasLocalOverride, true)
}

// StageAndApplyLocalOverride stages a local override (as StageLocalOverride
// does) and additionally writes it directly into the boot snapshot's
// flag.val and sets HasLocalOverride in the boot snapshot's flag.info - the
// short-lived scoped-mutable mmap class, bracketed by a permission
// relaxation per flag write.
func (sf *StorageFiles) StageAndApplyLocalOverride(pkg, flag, value string) error {
	ctx, writable, err := sf.resolveWritableFlag(pkg, flag)
	if err != nil {
		return err
	}
	if !writable {
		return WithFlag(ErrFlagIsReadOnly, pkg, flag)
	}
	boolValue, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		return WithFlag(ErrInvalidFlagValue, pkg, flag)
	}

	sf.localOverrides[flagKey{pkg, flag}] = value
	if err := persistOverrides(sf.localOverridesPath(), sf.localOverrides); err != nil {
		return err
	}
	if err := sf.setPersistInfoBit(ctx.FlagIndex, storagefile.FlagInfoBitHasLocalOverride, true); err != nil {
		return err
	}

	if err := sf.writeBootSnapshot(sf.bootValPath(), nil, func(mm *storagefile.MutableMapping) error {
		return storagefile.SetBooleanFlagValue(mm.Bytes(), ctx.FlagIndex, boolValue)
	}); err != nil {
		return err
	}
	return sf.writeBootSnapshot(sf.bootInfoPath(), nil, func(mm *storagefile.MutableMapping) error {
		return storagefile.SetFlagHasLocalOverride(mm.Bytes(), ctx.FlagIndex, true)
	})
}

// resolveWritableFlag resolves (pkg, flag) and reports whether it is
// currently read-write, per its persisted flag.info attribute.
func (sf *StorageFiles) resolveWritableFlag(pkg, flag string) (PackageFlagContext, bool, error) {
	ctx, err := sf.GetPackageFlagContext(pkg, flag)
	if err != nil {
		return PackageFlagContext{}, false, err
	}
	if !ctx.PackageExists || !ctx.FlagExists {
		return PackageFlagContext{}, false, WithFlag(ErrFlagDoesNotExist, pkg, flag)
	}
	attr, err := sf.GetFlagAttribute(ctx.FlagIndex)
	if err != nil {
		return PackageFlagContext{}, false, err
	}
	return ctx, attr.IsReadWrite, nil
}

// writePersistBooleanValue writes value into the persisted flag.val at
// flagIndex. Persist files have exactly one writer (this daemon) for their
// whole lifetime, so unlike a boot-snapshot edit this needs no permission
// relaxation around it.
func (sf *StorageFiles) writePersistBooleanValue(flagIndex uint32, value bool) error {
	path := sf.persistFlagValPath()
	mm, err := storagefile.MapMutableFile(path)
	if err != nil {
		return WithFile(ErrFailToGetStorageFiles, path)
	}
	defer mm.Close()
	return storagefile.SetBooleanFlagValue(mm.Bytes(), flagIndex, value)
}

// setPersistInfoBit flips bit for flagIndex in the persisted flag.info.
func (sf *StorageFiles) setPersistInfoBit(flagIndex uint32, bit storagefile.FlagInfoBit, value bool) error {
	path := sf.persistFlagInfoPath()
	mm, err := storagefile.MapMutableFile(path)
	if err != nil {
		return WithFile(ErrFailToGetStorageFiles, path)
	}
	defer mm.Close()
	return setFlagInfoBit(mm.Bytes(), flagIndex, bit, value)
}

func setFlagInfoBit(data []byte, flagIndex uint32, bit storagefile.FlagInfoBit, value bool) error {
	switch bit {
	case storagefile.FlagInfoBitHasServerOverride:
		return storagefile.SetFlagHasServerOverride(data, flagIndex, value)
	case storagefile.FlagInfoBitHasLocalOverride:
		return storagefile.SetFlagHasLocalOverride(data, flagIndex, value)
	}
	return nil
}

// writeBootSnapshot runs one bracketed edit against the boot file at path:
// permissions are relaxed to relaxedBootFileMode, then, if data is non-nil,
// it is copied verbatim over the mapping's bytes (a whole-file replace, used
// by ApplyAllStagedOverrides to copy the persist tier over the boot
// snapshot), then apply (if non-nil) runs against the same mapping, then
// permissions are restored - the short-lived scoped-mutable mmap class.
func (sf *StorageFiles) writeBootSnapshot(path string, data []byte, apply func(*storagefile.MutableMapping) error) error {
	return withRelaxedPermission(path, relaxedBootFileMode, func() error {
		mm, err := storagefile.MapMutableFile(path)
		if err != nil {
			return WithFile(ErrFailToGetStorageFiles, path)
		}
		defer mm.Close()
		if data != nil {
			copy(mm.Bytes(), data)
		}
		if apply != nil {
			return apply(mm)
		}
		return nil
	})
}

// ApplyAllStagedOverrides copies the persisted flag.val and flag.info over
// the boot snapshot, then writes every local-override list entry's value
// into the boot flag.val - after this, the boot snapshot reflects
// (server overlay) ⊕ (local overlay), per spec.md §4.B. Apart from
// FromContainer, which copies the default flag.val/flag.info over the boot
// snapshot when a set is built, this is the only function that rewrites the
// boot snapshot in bulk; StageAndApplyLocalOverride is the only other
// writer, and only for a single flag.
func (sf *StorageFiles) ApplyAllStagedOverrides() error {
	persistInfoData, err := readFileBytes(sf.persistFlagInfoPath())
	if err != nil {
		return err
	}
	if err := sf.writeBootSnapshot(sf.bootInfoPath(), persistInfoData, nil); err != nil {
		return err
	}

	persistValData, err := readFileBytes(sf.persistFlagValPath())
	if err != nil {
		return err
	}
	return sf.writeBootSnapshot(sf.bootValPath(), persistValData, func(mm *storagefile.MutableMapping) error {
		for key, value := range sf.localOverrides {
			ctx, err := sf.GetPackageFlagContext(key.Package, key.Flag)
			if err != nil || !ctx.FlagExists {
				continue
			}
			boolValue, err := strconv.ParseBool(value)
			if err != nil {
				continue
			}
			if err := storagefile.SetBooleanFlagValue(mm.Bytes(), ctx.FlagIndex, boolValue); err != nil {
				return err
			}
		}
		return nil
	})
}

func readFileBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WithFile(ErrFailToGetStorageFiles, path)
	}
	return data, nil
}

// RemoveLocalOverride drops the staged local override for (pkg, flag). It
// does not revert any value a prior LOCAL_IMMEDIATE override already wrote
// into the boot snapshot - that requires a fresh boot/reinit, same as the
// reference implementation.
func (sf *StorageFiles) RemoveLocalOverride(pkg, flag string) error {
	key := flagKey{pkg, flag}
	if _, ok := sf.localOverrides[key]; !ok {
		return WithFlag(ErrFlagHasNoLocalOverride, pkg, flag)
	}
	delete(sf.localOverrides, key)
	if err := persistOverrides(sf.localOverridesPath(), sf.localOverrides); err != nil {
		return err
	}
	ctx, err := sf.GetPackageFlagContext(pkg, flag)
	if err != nil || !ctx.FlagExists {
		return nil
	}
	return sf.setPersistInfoBit(ctx.FlagIndex, storagefile.FlagInfoBitHasLocalOverride, false)
}

// RemoveAllLocalOverrides clears every staged local override in this
// container, regardless of which package/flag a caller might have named -
// spec.md §9's Open Question on this operation's scope, resolved the way
// the reference implementation resolves it.
func (sf *StorageFiles) RemoveAllLocalOverrides() error {
	for key := range sf.localOverrides {
		ctx, err := sf.GetPackageFlagContext(key.Package, key.Flag)
		if err == nil && ctx.FlagExists {
			_ = sf.setPersistInfoBit(ctx.FlagIndex, storagefile.FlagInfoBitHasLocalOverride, false)
		}
	}
	sf.localOverrides = make(map[flagKey]string)
	return persistOverrides(sf.localOverridesPath(), sf.localOverrides)
}

// RemovePersistFiles deletes the five persisted files (package.map, flag.map,
// flag.val, flag.info, local-overrides list). Boot snapshots are not
// removed - the next boot cycle's apply_all_staged_overrides recreates them.
func (sf *StorageFiles) RemovePersistFiles() error {
	paths := []string{
		sf.persistPackageMapPath(), sf.persistFlagMapPath(),
		sf.persistFlagValPath(), sf.persistFlagInfoPath(),
		sf.localOverridesPath(),
	}
	var firstErr error
	for _, p := range paths {
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		if err := RemoveFile(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetFlagSnapshot builds the full multi-tier view of one flag.
func (sf *StorageFiles) GetFlagSnapshot(pkg, flag string) (FlagSnapshot, error) {
	ctx, err := sf.GetPackageFlagContext(pkg, flag)
	if err != nil {
		return FlagSnapshot{}, err
	}
	if !ctx.PackageExists || !ctx.FlagExists {
		return FlagSnapshot{}, WithFlag(ErrFlagDoesNotExist, pkg, flag)
	}
	return sf.snapshotFor(pkg, flag, ctx)
}

func (sf *StorageFiles) snapshotFor(pkg, flag string, ctx PackageFlagContext) (FlagSnapshot, error) {
	boot, err := sf.GetBootFlagValue(ctx.FlagIndex)
	if err != nil {
		return FlagSnapshot{}, err
	}
	def, err := sf.GetDefaultFlagValue(ctx.FlagIndex)
	if err != nil {
		return FlagSnapshot{}, err
	}
	attr, err := sf.GetFlagAttribute(ctx.FlagIndex)
	if err != nil {
		return FlagSnapshot{}, err
	}
	server, hasServer := sf.GetServerFlagValue(pkg, flag)
	local, hasLocal := sf.GetLocalFlagValue(pkg, flag)
	return FlagSnapshot{
		Package: pkg, Flag: flag,
		ServerValue: server, HasServerOverride: hasServer,
		LocalValue: local, HasLocalOverride: hasLocal,
		BootValue: boot, DefaultValue: def,
		IsReadWrite: attr.IsReadWrite,
	}, nil
}

// ListFlagsInPackage lists every flag in pkg, in stored flag.map order.
func (sf *StorageFiles) ListFlagsInPackage(pkg string) ([]FlagSnapshot, error) {
	pctx := storagefile.GetPackageReadContext(sf.packages, pkg)
	if !pctx.PackageExists {
		return nil, WithContainer(ErrFailToFindContainer, pkg)
	}
	var out []FlagSnapshot
	for _, f := range sf.flags {
		if f.PackageID != pctx.PackageID {
			continue
		}
		snap, err := sf.snapshotFor(pkg, f.Name, PackageFlagContext{PackageExists: true, FlagExists: true, ValueType: f.ValueType, FlagIndex: f.FlagIndex})
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// ListAllFlags lists every flag across every package in this container, in
// stored flag.map order.
func (sf *StorageFiles) ListAllFlags() ([]FlagSnapshot, error) {
	names := make(map[uint32]string, len(sf.packages))
	for _, p := range sf.packages {
		names[p.PackageID] = p.Name
	}
	out := make([]FlagSnapshot, 0, len(sf.flags))
	for _, f := range sf.flags {
		snap, err := sf.snapshotFor(names[f.PackageID], f.Name, PackageFlagContext{PackageExists: true, FlagExists: true, ValueType: f.ValueType, FlagIndex: f.FlagIndex})
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
