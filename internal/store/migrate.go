package store

import (
	"os"
	"path/filepath"
	"strings"

	"onemcp/pkg/logging"
)

const migratedMarker = ".migrated"

// migrateLegacyRecords moves records written by older versions directly into
// the base directory down into the subdirectory their prefix belongs to.
// A marker file prevents the scan from repeating on every startup.
func (s *Store) migrateLegacyRecords() error {
	marker := filepath.Join(s.baseDir, migratedMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	moved := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := entry.Name()
		for prefix, subdir := range prefixSubdirs {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			src := filepath.Join(s.baseDir, name)
			dst := filepath.Join(s.baseDir, subdir, name)
			if err := os.Rename(src, dst); err != nil {
				logging.Warn("Store", "Failed to migrate legacy record %s: %v", name, err)
				continue
			}
			moved++
			break
		}
	}

	if moved > 0 {
		logging.Info("Store", "Migrated %d legacy record(s) into subdirectories", moved)
	}
	return os.WriteFile(marker, []byte{}, 0o600)
}
