package aconfigd

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/flagstore/aconfigd/internal/pb"
)

// Manager owns every container's storage-file set and memoizes which
// container a package belongs to, so repeated lookups don't rescan every
// container's package map. Grounded on
// original_source/aconfigd/src/storage_files_manager.rs.
type Manager struct {
	RootDir string

	allStorageFiles    map[string]*StorageFiles
	packageToContainer map[string]string
}

// NewManager constructs an empty Manager rooted at rootDir.
func NewManager(rootDir string) *Manager {
	return &Manager{
		RootDir:            rootDir,
		allStorageFiles:    make(map[string]*StorageFiles),
		packageToContainer: make(map[string]string),
	}
}

func (m *Manager) memoizePackages(container string, sf *StorageFiles) {
	for _, pkg := range sf.packages {
		m.packageToContainer[pkg.Name] = container
	}
}

// AddStorageFilesFromPB registers a container's storage from an
// already-persisted record, used when replaying the record index at startup.
func (m *Manager) AddStorageFilesFromPB(record pb.PersistStorageRecord) error {
	sf, err := FromPB(m.RootDir, record)
	if err != nil {
		return err
	}
	m.allStorageFiles[record.Container] = sf
	m.memoizePackages(record.Container, sf)
	return nil
}

// AddOrUpdateContainerStorageFiles registers container for the first time,
// or upgrades it to new default files: snapshot the existing overrides,
// remove the old persisted files, reconstruct from the new defaults, then
// replay overrides only for flags that still exist in the new defaults -
// vanished flags are silently dropped, per spec.md §4.C.
func (m *Manager) AddOrUpdateContainerStorageFiles(container, defaultPackageMap, defaultFlagMap, defaultFlagVal, defaultFlagInfo string) error {
	existing, isUpgrade := m.allStorageFiles[container]

	var savedServer, savedLocal map[flagKey]string
	if isUpgrade {
		var err error
		savedServer, err = existing.GetAllServerOverrides()
		if err != nil {
			return err
		}
		savedLocal = existing.GetAllLocalOverrides()
		if err := existing.RemovePersistFiles(); err != nil {
			return err
		}
	}

	sf, err := FromContainer(m.RootDir, container, defaultPackageMap, defaultFlagMap, defaultFlagVal, defaultFlagInfo)
	if err != nil {
		return err
	}

	if isUpgrade {
		for key, value := range savedServer {
			ctx, err := sf.GetPackageFlagContext(key.Package, key.Flag)
			if err != nil || !ctx.FlagExists {
				continue // flag no longer exists in the new defaults: drop silently
			}
			if err := sf.StageServerOverride(key.Package, key.Flag, value); err != nil {
				return err
			}
		}
		for key, value := range savedLocal {
			ctx, err := sf.GetPackageFlagContext(key.Package, key.Flag)
			if err != nil || !ctx.FlagExists {
				continue
			}
			if err := sf.StageLocalOverride(key.Package, key.Flag, value); err != nil {
				return err
			}
		}
	}

	if err := sf.ApplyAllStagedOverrides(); err != nil {
		return err
	}

	m.allStorageFiles[container] = sf
	m.memoizePackages(container, sf)
	return nil
}

// AddOrUpdateContainers registers a batch of containers' storage files.
// Containers already registered are upgraded one at a time through
// AddOrUpdateContainerStorageFiles, which replays their overrides; the rest
// are built concurrently. Callers only reach this during a one-shot startup
// scan (never while the socket-serving loop, which is single-threaded per
// spec.md §5, is handling a request), so parallelizing the independent
// per-container file copies here does not violate that invariant.
func (m *Manager) AddOrUpdateContainers(containers []ContainerDefaultFiles) error {
	var fresh []ContainerDefaultFiles
	for _, c := range containers {
		if _, ok := m.allStorageFiles[c.Container]; !ok {
			fresh = append(fresh, c)
			continue
		}
		if err := m.AddOrUpdateContainerStorageFiles(c.Container, c.PackageMap, c.FlagMap, c.FlagVal, c.FlagInfo); err != nil {
			return err
		}
	}

	var g errgroup.Group
	results := make([]*StorageFiles, len(fresh))
	for i, c := range fresh {
		i, c := i, c
		g.Go(func() error {
			sf, err := FromContainer(m.RootDir, c.Container, c.PackageMap, c.FlagMap, c.FlagVal, c.FlagInfo)
			if err != nil {
				return err
			}
			if err := sf.ApplyAllStagedOverrides(); err != nil {
				return err
			}
			results[i] = sf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, c := range fresh {
		m.allStorageFiles[c.Container] = results[i]
		m.memoizePackages(c.Container, results[i])
	}
	return nil
}

// ContainerDefaultFiles names one container's default storage files, as
// discovered by a platform-partition or apex scan.
type ContainerDefaultFiles struct {
	Container  string
	PackageMap string
	FlagMap    string
	FlagVal    string
	FlagInfo   string
}

// GetContainer resolves pkg to its owning container's storage files via the
// package->container memo. The memo is never invalidated by ResetAllStorage
// or a container upgrade - this is a deliberately preserved quirk of the
// reference implementation, not a bug this port introduces; see DESIGN.md.
func (m *Manager) GetContainer(pkg string) (*StorageFiles, error) {
	container, ok := m.packageToContainer[pkg]
	if !ok {
		return nil, WithContainer(ErrFailToFindContainer, pkg)
	}
	sf, ok := m.allStorageFiles[container]
	if !ok {
		return nil, WithContainer(ErrFailToGetStorageFiles, container)
	}
	return sf, nil
}

// GetContainerByName looks up a container's storage files directly by name.
func (m *Manager) GetContainerByName(container string) (*StorageFiles, error) {
	sf, ok := m.allStorageFiles[container]
	if !ok {
		return nil, WithContainer(ErrFailToFindContainer, container)
	}
	return sf, nil
}

// OverrideFlagValue dispatches to the storage operation matching kind.
func (m *Manager) OverrideFlagValue(pkg, flag, value string, kind pb.OverrideType) error {
	sf, err := m.GetContainer(pkg)
	if err != nil {
		return err
	}
	switch kind {
	case pb.OverrideTypeServerOnReboot:
		return sf.StageServerOverride(pkg, flag, value)
	case pb.OverrideTypeLocalOnReboot:
		return sf.StageLocalOverride(pkg, flag, value)
	case pb.OverrideTypeLocalImmediate:
		return sf.StageAndApplyLocalOverride(pkg, flag, value)
	default:
		return fmt.Errorf("%w: unknown override type %d", ErrInvalidSocketRequest, kind)
	}
}

// ApplyAllStagedOverrides applies every registered container's staged
// overrides to its boot snapshot. No startup phase calls it: each
// registration path already applies its own container's overrides.
func (m *Manager) ApplyAllStagedOverrides() error {
	for _, sf := range m.allStorageFiles {
		if err := sf.ApplyAllStagedOverrides(); err != nil {
			return err
		}
	}
	return nil
}

// ResetAllStorage snapshots each container's record, removes its persisted
// files, and reconstructs it from its original default files with no
// override replay - per spec.md §4.C: "remove persist files, drop, and
// reconstruct from defaults (no override replay)". The package->container
// memo is left untouched (see GetContainer's doc comment).
func (m *Manager) ResetAllStorage() error {
	for container, sf := range m.allStorageFiles {
		record := sf.Record
		if err := sf.RemovePersistFiles(); err != nil {
			return err
		}
		rebuilt, err := FromContainer(m.RootDir, record.Container, record.DefaultPackageMap, record.DefaultFlagMap, record.DefaultFlagVal, record.DefaultFlagInfo)
		if err != nil {
			return err
		}
		if err := rebuilt.ApplyAllStagedOverrides(); err != nil {
			return err
		}
		m.allStorageFiles[container] = rebuilt
	}
	return nil
}

// RemoveLocalOverride removes one local override for pkg/flag.
func (m *Manager) RemoveLocalOverride(pkg, flag string) error {
	sf, err := m.GetContainer(pkg)
	if err != nil {
		return err
	}
	return sf.RemoveLocalOverride(pkg, flag)
}

// RemoveAllLocalOverrides clears every local override in container,
// regardless of whatever package/flag a request might also have named.
func (m *Manager) RemoveAllLocalOverrides(container string) error {
	sf, err := m.GetContainerByName(container)
	if err != nil {
		return err
	}
	return sf.RemoveAllLocalOverrides()
}

// GetFlagSnapshot resolves pkg to its container and returns flag's snapshot.
func (m *Manager) GetFlagSnapshot(pkg, flag string) (FlagSnapshot, error) {
	sf, err := m.GetContainer(pkg)
	if err != nil {
		return FlagSnapshot{}, err
	}
	return sf.GetFlagSnapshot(pkg, flag)
}

// ListFlagsInPackage lists every flag in pkg.
func (m *Manager) ListFlagsInPackage(pkg string) ([]FlagSnapshot, error) {
	sf, err := m.GetContainer(pkg)
	if err != nil {
		return nil, err
	}
	return sf.ListFlagsInPackage(pkg)
}

// ListFlagsInContainer lists every flag in container, across every package
// it defines.
func (m *Manager) ListFlagsInContainer(container string) ([]FlagSnapshot, error) {
	sf, err := m.GetContainerByName(container)
	if err != nil {
		return nil, err
	}
	return sf.ListAllFlags()
}

// ListAllFlags lists every flag across every registered container.
func (m *Manager) ListAllFlags() ([]FlagSnapshot, error) {
	var out []FlagSnapshot
	for _, sf := range m.allStorageFiles {
		flags, err := sf.ListAllFlags()
		if err != nil {
			return nil, err
		}
		out = append(out, flags...)
	}
	return out, nil
}

// ApplyStagedOTAFlags applies an OTA-staged override batch conditional on
// the running build fingerprint matching targetBuildID. The staging file is
// always consumed by the caller regardless of outcome - see
// aconfigd/daemon.go's applyStagedOTAFile (run by InitFromRecord), the only
// caller outside tests. A flag that
// no longer exists (or otherwise fails to stage) is logged and skipped
// rather than aborting the rest of the batch, per spec.md §4.C/§7.
func (m *Manager) ApplyStagedOTAFlags(targetBuildID, currentBuildID string, overrides []pb.FlagValueOverride) error {
	if targetBuildID == "" || targetBuildID != currentBuildID {
		return nil
	}
	for _, o := range overrides {
		if err := m.OverrideFlagValue(o.PackageName, o.FlagName, o.FlagValue, pb.OverrideTypeServerOnReboot); err != nil {
			slog.Warn("manager.ApplyStagedOTAFlags", "package", o.PackageName, "flag", o.FlagName, "error", err)
			continue
		}
	}
	return nil
}

// WritePersistStorageRecordsToFile writes the current record index to path.
func (m *Manager) WritePersistStorageRecordsToFile(path string) error {
	records := pb.PersistStorageRecords{}
	for _, sf := range m.allStorageFiles {
		records.Records = append(records.Records, sf.Record)
	}
	return WritePB(path, &records)
}
