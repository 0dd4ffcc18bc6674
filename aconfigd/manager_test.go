package aconfigd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flagstore/aconfigd/aconfigd/internal/fixture"
	"github.com/flagstore/aconfigd/internal/pb"
	"github.com/flagstore/aconfigd/storagefile"
)

func newManagerWithMockup(t *testing.T) (*Manager, fixture.Container) {
	t.Helper()
	rootDir := t.TempDir()
	etcDir := filepath.Join(rootDir, "etc")
	c, err := fixture.BuildMockup(etcDir)
	if err != nil {
		t.Fatalf("fixture.BuildMockup: %v", err)
	}
	m := NewManager(rootDir)
	if err := m.AddOrUpdateContainerStorageFiles(c.Name, c.PackageMap, c.FlagMap, c.FlagVal, c.FlagInfo); err != nil {
		t.Fatalf("AddOrUpdateContainerStorageFiles: %v", err)
	}
	return m, c
}

func TestManagerGetContainerByPackage(t *testing.T) {
	m, _ := newManagerWithMockup(t)
	sf, err := m.GetContainer("com.android.aconfig.storage.test_1")
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if sf.Record.Container != "mockup" {
		t.Fatalf("got container %q, want mockup", sf.Record.Container)
	}

	if _, err := m.GetContainer("com.android.aconfig.storage.nope"); err == nil {
		t.Fatalf("expected GetContainer to fail for an unknown package")
	}
}

func TestManagerOverrideFlagValueDispatchesByType(t *testing.T) {
	m, _ := newManagerWithMockup(t)

	if err := m.OverrideFlagValue("com.android.aconfig.storage.test_1", "enabled_rw", "false", pb.OverrideTypeLocalImmediate); err != nil {
		t.Fatalf("OverrideFlagValue: %v", err)
	}
	snap, err := m.GetFlagSnapshot("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetFlagSnapshot: %v", err)
	}
	if snap.BootValue != false {
		t.Fatalf("expected LOCAL_IMMEDIATE override to take effect right away, got %+v", snap)
	}
}

func TestUpgradeReplaysOverridesForSurvivingFlagsOnly(t *testing.T) {
	m, c := newManagerWithMockup(t)

	if err := m.OverrideFlagValue("com.android.aconfig.storage.test_1", "enabled_rw", "false", pb.OverrideTypeLocalOnReboot); err != nil {
		t.Fatalf("OverrideFlagValue: %v", err)
	}
	if err := m.OverrideFlagValue("com.android.aconfig.storage.test_1", "disabled_rw", "true", pb.OverrideTypeServerOnReboot); err != nil {
		t.Fatalf("OverrideFlagValue: %v", err)
	}

	// New defaults drop "disabled_rw" from test_1 entirely.
	newEtcDir := filepath.Join(filepath.Dir(c.PackageMap), "..", "etc_v2")
	packages := []storagefile.PackageEntry{
		{Name: "com.android.aconfig.storage.test_1", PackageID: 0, BooleanStartIndex: 0},
		{Name: "com.android.aconfig.storage.test_2", PackageID: 1, BooleanStartIndex: 1},
	}
	flags := []storagefile.FlagEntry{
		{PackageID: 0, Name: "enabled_rw", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 0},
		{PackageID: 1, Name: "disabled_rw", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 1},
	}
	values := []bool{true, false}
	info := []byte{byte(storagefile.FlagInfoBitIsReadWrite), byte(storagefile.FlagInfoBitIsReadWrite)}

	if err := os.MkdirAll(newEtcDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	newPackageMap := filepath.Join(newEtcDir, "package.map")
	newFlagMap := filepath.Join(newEtcDir, "flag.map")
	newFlagVal := filepath.Join(newEtcDir, "flag.val")
	newFlagInfo := filepath.Join(newEtcDir, "flag.info")
	mustWriteFile(t, newPackageMap, storagefile.EncodePackageMap(packages))
	mustWriteFile(t, newFlagMap, storagefile.EncodeFlagMap(flags))
	mustWriteFile(t, newFlagVal, storagefile.EncodeFlagVal(values))
	mustWriteFile(t, newFlagInfo, storagefile.EncodeFlagInfo(info))

	if err := m.AddOrUpdateContainerStorageFiles("mockup", newPackageMap, newFlagMap, newFlagVal, newFlagInfo); err != nil {
		t.Fatalf("AddOrUpdateContainerStorageFiles (upgrade): %v", err)
	}

	snap, err := m.GetFlagSnapshot("com.android.aconfig.storage.test_1", "enabled_rw")
	if err != nil {
		t.Fatalf("GetFlagSnapshot: %v", err)
	}
	if snap.BootValue != false {
		t.Fatalf("expected surviving flag's replayed override to still be applied, got %+v", snap)
	}

	if _, err := m.GetContainer("com.android.aconfig.storage.test_1"); err != nil {
		t.Fatalf("GetContainer should still resolve after upgrade: %v", err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestApplyStagedOTAFlagsRequiresMatchingBuildID(t *testing.T) {
	m, _ := newManagerWithMockup(t)
	overrides := []pb.FlagValueOverride{
		{PackageName: "com.android.aconfig.storage.test_1", FlagName: "enabled_rw", FlagValue: "false"},
	}

	if err := m.ApplyStagedOTAFlags("build.B", "build.A", overrides); err != nil {
		t.Fatalf("ApplyStagedOTAFlags (mismatched build): %v", err)
	}
	if _, ok := m.GetContainerMustExist(t).GetLocalFlagValue("com.android.aconfig.storage.test_1", "enabled_rw"); ok {
		t.Fatalf("mismatched build id must not stage any override")
	}
	if _, ok := m.GetContainerMustExist(t).GetServerFlagValue("com.android.aconfig.storage.test_1", "enabled_rw"); ok {
		t.Fatalf("mismatched build id must not stage any override")
	}

	if err := m.ApplyStagedOTAFlags("build.A", "build.A", overrides); err != nil {
		t.Fatalf("ApplyStagedOTAFlags (matching build): %v", err)
	}
	if _, ok := m.GetContainerMustExist(t).GetServerFlagValue("com.android.aconfig.storage.test_1", "enabled_rw"); !ok {
		t.Fatalf("matching build id must stage the override as a server override")
	}
}

func TestResetAllStorageClearsOverrides(t *testing.T) {
	m, _ := newManagerWithMockup(t)

	if err := m.OverrideFlagValue("com.android.aconfig.storage.test_1", "disabled_rw", "true", pb.OverrideTypeServerOnReboot); err != nil {
		t.Fatalf("OverrideFlagValue (server): %v", err)
	}
	if err := m.OverrideFlagValue("com.android.aconfig.storage.test_1", "disabled_rw", "true", pb.OverrideTypeLocalOnReboot); err != nil {
		t.Fatalf("OverrideFlagValue (local): %v", err)
	}
	if err := m.ApplyAllStagedOverrides(); err != nil {
		t.Fatalf("ApplyAllStagedOverrides: %v", err)
	}

	snap, err := m.GetFlagSnapshot("com.android.aconfig.storage.test_1", "disabled_rw")
	if err != nil {
		t.Fatalf("GetFlagSnapshot: %v", err)
	}
	if !snap.HasServerOverride || !snap.HasLocalOverride || !snap.BootValue {
		t.Fatalf("expected both overrides staged and applied before reset: %+v", snap)
	}

	if err := m.ResetAllStorage(); err != nil {
		t.Fatalf("ResetAllStorage: %v", err)
	}

	snap, err = m.GetFlagSnapshot("com.android.aconfig.storage.test_1", "disabled_rw")
	if err != nil {
		t.Fatalf("GetFlagSnapshot after reset: %v", err)
	}
	if snap.HasServerOverride || snap.ServerValue != "" {
		t.Fatalf("expected server override cleared by reset, got %+v", snap)
	}
	if snap.HasLocalOverride || snap.LocalValue != "" {
		t.Fatalf("expected local override cleared by reset, got %+v", snap)
	}
	if snap.BootValue != snap.DefaultValue {
		t.Fatalf("expected boot value to match default after a no-replay reset, got %+v", snap)
	}
}

// GetContainerMustExist is a test-only convenience wrapping GetContainer for
// the fixture's well-known package.
func (m *Manager) GetContainerMustExist(t *testing.T) *StorageFiles {
	t.Helper()
	sf, err := m.GetContainer("com.android.aconfig.storage.test_1")
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	return sf
}
