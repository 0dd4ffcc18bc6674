// Package fixture builds the literal test fixture spec.md §8 describes: a
// container named "mockup" with packages com.android.aconfig.storage.test_1
// and test_2, each carrying disabled_rw/enabled_ro/enabled_rw flags.
// Grounded on original_source/aconfigd/src/test_utils.rs's ContainerMock.
package fixture

import (
	"os"
	"path/filepath"

	"github.com/flagstore/aconfigd/storagefile"
)

// Container is one container's default files, written under a caller-chosen
// etc directory.
type Container struct {
	Name       string
	PackageMap string
	FlagMap    string
	FlagVal    string
	FlagInfo   string
}

// BuildMockup writes the "mockup" container's default files under etcDir
// and returns their paths.
func BuildMockup(etcDir string) (Container, error) {
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		return Container{}, err
	}

	packages := []storagefile.PackageEntry{
		{Name: "com.android.aconfig.storage.test_1", PackageID: 0, BooleanStartIndex: 0},
		{Name: "com.android.aconfig.storage.test_2", PackageID: 1, BooleanStartIndex: 3},
	}
	flags := []storagefile.FlagEntry{
		{PackageID: 0, Name: "disabled_rw", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 0},
		{PackageID: 0, Name: "enabled_ro", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 1},
		{PackageID: 0, Name: "enabled_rw", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 2},
		{PackageID: 1, Name: "disabled_rw", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 3},
		{PackageID: 1, Name: "enabled_ro", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 4},
		{PackageID: 1, Name: "enabled_rw", ValueType: storagefile.FlagValueTypeBoolean, FlagIndex: 5},
	}
	values := []bool{false, true, true, false, true, true}
	info := make([]byte, len(flags))
	for i, f := range flags {
		if f.Name != "enabled_ro" {
			info[i] = byte(storagefile.FlagInfoBitIsReadWrite)
		}
	}

	c := Container{
		Name:       "mockup",
		PackageMap: filepath.Join(etcDir, "package.map"),
		FlagMap:    filepath.Join(etcDir, "flag.map"),
		FlagVal:    filepath.Join(etcDir, "flag.val"),
		FlagInfo:   filepath.Join(etcDir, "flag.info"),
	}
	writes := []struct {
		path string
		data []byte
	}{
		{c.PackageMap, storagefile.EncodePackageMap(packages)},
		{c.FlagMap, storagefile.EncodeFlagMap(flags)},
		{c.FlagVal, storagefile.EncodeFlagVal(values)},
		{c.FlagInfo, storagefile.EncodeFlagInfo(info)},
	}
	for _, w := range writes {
		if err := os.WriteFile(w.path, w.data, 0o644); err != nil {
			return Container{}, err
		}
	}
	return c, nil
}
