package aconfigd

import (
	"path/filepath"
	"testing"

	"github.com/flagstore/aconfigd/aconfigd/internal/fixture"
	"github.com/flagstore/aconfigd/storagefile"
)

func newMockupStorageFiles(t *testing.T) *StorageFiles {
	t.Helper()
	rootDir := t.TempDir()
	etcDir := filepath.Join(rootDir, "etc")
	c, err := fixture.BuildMockup(etcDir)
	if err != nil {
		t.Fatalf("fixture.BuildMockup: %v", err)
	}
	sf, err := FromContainer(rootDir, c.Name, c.PackageMap, c.FlagMap, c.FlagVal, c.FlagInfo)
	if err != nil {
		t.Fatalf("FromContainer: %v", err)
	}
	return sf
}

func TestGetPackageFlagContext(t *testing.T) {
	sf := newMockupStorageFiles(t)

	ctx, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext: %v", err)
	}
	if !ctx.PackageExists || !ctx.FlagExists || ctx.FlagIndex != 2 {
		t.Fatalf("unexpected context: %+v", ctx)
	}

	missingPkg, err := sf.GetPackageFlagContext("com.android.aconfig.storage.nope", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext (missing package): %v", err)
	}
	if missingPkg.PackageExists {
		t.Fatalf("expected missing package to report PackageExists=false")
	}

	missingFlag, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "nope")
	if err != nil {
		t.Fatalf("GetPackageFlagContext (missing flag): %v", err)
	}
	if !missingFlag.PackageExists || missingFlag.FlagExists {
		t.Fatalf("unexpected context for missing flag: %+v", missingFlag)
	}
}

func TestDefaultAndBootFlagValuesMatchAtRegistration(t *testing.T) {
	sf := newMockupStorageFiles(t)
	ctx, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext: %v", err)
	}

	def, err := sf.GetDefaultFlagValue(ctx.FlagIndex)
	if err != nil {
		t.Fatalf("GetDefaultFlagValue: %v", err)
	}
	boot, err := sf.GetBootFlagValue(ctx.FlagIndex)
	if err != nil {
		t.Fatalf("GetBootFlagValue: %v", err)
	}
	if def != true || boot != def {
		t.Fatalf("expected default and boot value to both be true at registration, got def=%v boot=%v", def, boot)
	}
}

func TestStageServerOverrideRequiresReboot(t *testing.T) {
	sf := newMockupStorageFiles(t)
	ctx, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext: %v", err)
	}

	if err := sf.StageServerOverride("com.android.aconfig.storage.test_1", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageServerOverride: %v", err)
	}

	boot, err := sf.GetBootFlagValue(ctx.FlagIndex)
	if err != nil {
		t.Fatalf("GetBootFlagValue: %v", err)
	}
	if boot != true {
		t.Fatalf("a server override must not change the boot value before ApplyAllStagedOverrides, got %v", boot)
	}

	bootAttr, err := readBootFlagAttribute(t, sf, ctx.FlagIndex)
	if err != nil {
		t.Fatalf("readBootFlagAttribute: %v", err)
	}
	if bootAttr.HasServerOverride {
		t.Fatalf("a staged server override must not flip the boot snapshot's info bit before ApplyAllStagedOverrides")
	}

	if err := sf.ApplyAllStagedOverrides(); err != nil {
		t.Fatalf("ApplyAllStagedOverrides: %v", err)
	}
	boot, err = sf.GetBootFlagValue(ctx.FlagIndex)
	if err != nil {
		t.Fatalf("GetBootFlagValue after apply: %v", err)
	}
	if boot != false {
		t.Fatalf("expected boot value false after applying staged server override, got %v", boot)
	}
	bootAttr, err = readBootFlagAttribute(t, sf, ctx.FlagIndex)
	if err != nil {
		t.Fatalf("readBootFlagAttribute after apply: %v", err)
	}
	if !bootAttr.HasServerOverride {
		t.Fatalf("expected boot snapshot's info bit to be set after ApplyAllStagedOverrides")
	}
}

// readBootFlagAttribute reads the boot snapshot's flag.info bits directly,
// independent of GetFlagAttribute (which reads the persisted tier) - used to
// assert the boot snapshot is untouched until ApplyAllStagedOverrides runs.
func readBootFlagAttribute(t *testing.T, sf *StorageFiles, flagIndex uint32) (storagefile.FlagAttribute, error) {
	t.Helper()
	m, err := storagefile.MapFile(sf.bootInfoPath())
	if err != nil {
		return storagefile.FlagAttribute{}, err
	}
	defer m.Close()
	return storagefile.GetFlagAttribute(m.Bytes(), flagIndex)
}

func TestStageAndApplyLocalOverrideIsImmediate(t *testing.T) {
	sf := newMockupStorageFiles(t)
	ctx, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext: %v", err)
	}

	if err := sf.StageAndApplyLocalOverride("com.android.aconfig.storage.test_1", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageAndApplyLocalOverride: %v", err)
	}
	boot, err := sf.GetBootFlagValue(ctx.FlagIndex)
	if err != nil {
		t.Fatalf("GetBootFlagValue: %v", err)
	}
	if boot != false {
		t.Fatalf("expected immediate override to change the boot value right away, got %v", boot)
	}
}

func TestStageLocalOverrideOnReadOnlyFlagFails(t *testing.T) {
	sf := newMockupStorageFiles(t)
	err := sf.StageLocalOverride("com.android.aconfig.storage.test_1", "enabled_ro", "false")
	if err == nil {
		t.Fatalf("expected StageLocalOverride on a read-only flag to fail")
	}
}

func TestLocalOverrideWinsOverServerOverride(t *testing.T) {
	sf := newMockupStorageFiles(t)
	ctx, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext: %v", err)
	}

	if err := sf.StageServerOverride("com.android.aconfig.storage.test_1", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageServerOverride: %v", err)
	}
	if err := sf.StageLocalOverride("com.android.aconfig.storage.test_1", "enabled_rw", "true"); err != nil {
		t.Fatalf("StageLocalOverride: %v", err)
	}
	if err := sf.ApplyAllStagedOverrides(); err != nil {
		t.Fatalf("ApplyAllStagedOverrides: %v", err)
	}

	boot, err := sf.GetBootFlagValue(ctx.FlagIndex)
	if err != nil {
		t.Fatalf("GetBootFlagValue: %v", err)
	}
	if boot != true {
		t.Fatalf("local override must win over server override per precedence, got boot=%v", boot)
	}
}

func TestRemoveLocalOverride(t *testing.T) {
	sf := newMockupStorageFiles(t)
	if err := sf.StageLocalOverride("com.android.aconfig.storage.test_1", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageLocalOverride: %v", err)
	}
	if err := sf.RemoveLocalOverride("com.android.aconfig.storage.test_1", "enabled_rw"); err != nil {
		t.Fatalf("RemoveLocalOverride: %v", err)
	}
	if _, ok := sf.GetLocalFlagValue("com.android.aconfig.storage.test_1", "enabled_rw"); ok {
		t.Fatalf("expected local override to be gone after RemoveLocalOverride")
	}
	if err := sf.RemoveLocalOverride("com.android.aconfig.storage.test_1", "enabled_rw"); err == nil {
		t.Fatalf("expected RemoveLocalOverride to fail when no override is staged")
	}
}

func TestRemoveAllLocalOverridesClearsEveryPackage(t *testing.T) {
	sf := newMockupStorageFiles(t)
	if err := sf.StageLocalOverride("com.android.aconfig.storage.test_1", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageLocalOverride: %v", err)
	}
	if err := sf.StageLocalOverride("com.android.aconfig.storage.test_2", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageLocalOverride: %v", err)
	}
	if err := sf.RemoveAllLocalOverrides(); err != nil {
		t.Fatalf("RemoveAllLocalOverrides: %v", err)
	}
	if len(sf.GetAllLocalOverrides()) != 0 {
		t.Fatalf("expected every local override to be cleared")
	}
}

func TestListAllFlagsStoredOrder(t *testing.T) {
	sf := newMockupStorageFiles(t)
	flags, err := sf.ListAllFlags()
	if err != nil {
		t.Fatalf("ListAllFlags: %v", err)
	}
	if len(flags) != 6 {
		t.Fatalf("got %d flags, want 6", len(flags))
	}
	wantOrder := []string{"disabled_rw", "enabled_ro", "enabled_rw", "disabled_rw", "enabled_ro", "enabled_rw"}
	for i, name := range wantOrder {
		if flags[i].Flag != name {
			t.Errorf("position %d: got %q, want %q", i, flags[i].Flag, name)
		}
	}
}

func TestListFlagsInPackage(t *testing.T) {
	sf := newMockupStorageFiles(t)
	flags, err := sf.ListFlagsInPackage("com.android.aconfig.storage.test_2")
	if err != nil {
		t.Fatalf("ListFlagsInPackage: %v", err)
	}
	if len(flags) != 3 {
		t.Fatalf("got %d flags, want 3", len(flags))
	}
	for _, f := range flags {
		if f.Package != "com.android.aconfig.storage.test_2" {
			t.Errorf("unexpected package on flag %+v", f)
		}
	}
}

func TestGetFlagSnapshot(t *testing.T) {
	sf := newMockupStorageFiles(t)
	if err := sf.StageServerOverride("com.android.aconfig.storage.test_1", "enabled_rw", "false"); err != nil {
		t.Fatalf("StageServerOverride: %v", err)
	}
	snap, err := sf.GetFlagSnapshot("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetFlagSnapshot: %v", err)
	}
	if !snap.HasServerOverride || snap.ServerValue != "false" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.DefaultValue || !snap.BootValue {
		t.Fatalf("boot value should still reflect default before ApplyAllStagedOverrides: %+v", snap)
	}
}

func TestGetFlagSnapshotUnknownFlag(t *testing.T) {
	sf := newMockupStorageFiles(t)
	if _, err := sf.GetFlagSnapshot("com.android.aconfig.storage.test_1", "does_not_exist"); err == nil {
		t.Fatalf("expected an error for an unknown flag")
	}
}

func TestRemovePersistFiles(t *testing.T) {
	sf := newMockupStorageFiles(t)
	ctx, err := sf.GetPackageFlagContext("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetPackageFlagContext: %v", err)
	}

	if err := sf.RemovePersistFiles(); err != nil {
		t.Fatalf("RemovePersistFiles: %v", err)
	}
	if _, err := sf.GetFlagAttribute(ctx.FlagIndex); err == nil {
		t.Fatalf("expected the persisted flag.info to be gone after RemovePersistFiles")
	}
	if _, err := sf.GetBootFlagValue(ctx.FlagIndex); err != nil {
		t.Fatalf("boot snapshot must survive RemovePersistFiles (next boot recreates it), got error: %v", err)
	}
}
