package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileStamp identifies one version of the ledger file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
	exists  bool
}

func statFile(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size(), exists: true}
}

func readFile(path string) ([]byte, fileStamp, error) {
	stamp := statFile(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stamp, err
	}
	return data, stamp, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data via a temp file and rename.
// CreateTemp opens the file 0600.
func writeFileAtomic(path string, data []byte) (fileStamp, error) {
	if err := ensureDir(path); err != nil {
		return fileStamp{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fileStamp{}, fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fileStamp{}, fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fileStamp{}, fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fileStamp{}, fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fileStamp{}, fmt.Errorf("replace ledger: %w", err)
	}
	return statFile(path), nil
}
