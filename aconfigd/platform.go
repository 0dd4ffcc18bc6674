package aconfigd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Default filesystem locations, mirroring the constants
// original_source/aconfigd/src/aconfigd_commands.rs hard-codes for the real
// device layout. A daemon running against a test root passes its own root
// and record paths to NewDaemon and sets the remaining Daemon fields
// directly rather than reading them from globals.
const (
	DefaultRootDir               = "/metadata/aconfig"
	DefaultPersistStorageRecords = "/metadata/aconfig/persistent_storage_record.pb"
	DefaultSocketName            = "aconfigd_mainline"
	DefaultApexRoot              = "/apex"
	DefaultOTAFlagsFile          = "/metadata/aconfig/flags/ota.pb"
)

// platformPartitions are the on-device partitions whose /etc/<name>_aconfig
// directories carry a platform container's default storage files, mirroring
// spec.md §4.D phase "platform storage init".
var platformPartitions = []string{"system", "system_ext", "product", "vendor"}

// PlatformStorageDirs reports the platform container default-file
// directories under root, one per entry in platformPartitions.
func PlatformStorageDirs(partitionRoot string) map[string]string {
	out := make(map[string]string, len(platformPartitions))
	for _, p := range platformPartitions {
		out[p] = filepath.Join(partitionRoot, p, "etc", p+"_aconfig")
	}
	return out
}

// ScanApexContainers lists the subdirectories of apexRoot that are plausible
// mainline module containers: no leading dot, no '@' (a staged/rollback
// apex), and never "sharedlibs". Grounded on the directory-filtering logic
// in original_source/aconfigd/src/aconfigd.rs's initialize_mainline_storage.
func ScanApexContainers(apexRoot string) ([]string, error) {
	entries, err := os.ReadDir(apexRoot)
	if err != nil {
		return nil, fmt.Errorf("aconfigd: fail to read dir %s: %w", apexRoot, err)
	}
	var containers []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if strings.Contains(name, "@") {
			continue
		}
		if name == "sharedlibs" {
			continue
		}
		containers = append(containers, name)
	}
	return containers, nil
}

// ContainerDefaultFilesIn resolves container's default storage files under
// its etc/ directory, the way an apex module or platform partition lays
// them out. It returns ok=false if any of the four required files is
// missing, or if flag.val is present but empty - both cases mean this
// container hasn't actually shipped a flag storage set.
func ContainerDefaultFilesIn(etcDir, container string) (files ContainerDefaultFiles, ok bool, err error) {
	files = ContainerDefaultFiles{
		Container:  container,
		PackageMap: filepath.Join(etcDir, "package.map"),
		FlagMap:    filepath.Join(etcDir, "flag.map"),
		FlagVal:    filepath.Join(etcDir, "flag.val"),
		FlagInfo:   filepath.Join(etcDir, "flag.info"),
	}
	for _, p := range []string{files.PackageMap, files.FlagMap, files.FlagVal, files.FlagInfo} {
		if _, statErr := os.Stat(p); statErr != nil {
			return files, false, nil
		}
	}
	info, statErr := os.Stat(files.FlagVal)
	if statErr != nil {
		return files, false, fmt.Errorf("aconfigd: fail to get file metadata for %s: %w", files.FlagVal, statErr)
	}
	if info.Size() == 0 {
		return files, false, nil
	}
	return files, true, nil
}
