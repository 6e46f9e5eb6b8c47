package manifest

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/wal"
)

// ErrNoCurrent is returned by ReadCurrent when the directory holds no
// CURRENT file.
var ErrNoCurrent = errors.New("manifest: no CURRENT file")

// SetCurrent atomically points CURRENT at manifest number num.
func SetCurrent(dir string, num uint64) error {
	data := []byte(utils.ManifestName(num) + "\n")
	return utils.AtomicWrite(filepath.Join(dir, utils.CurrentFileName), data, 0o644)
}

// ReadCurrent returns the manifest number CURRENT points at.
func ReadCurrent(dir string) (uint64, error) {
	path := filepath.Join(dir, utils.CurrentFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoCurrent
		}
		return 0, errors.NewIOError("read", path, err)
	}
	name := strings.TrimSpace(string(data))
	typ, num, ok := utils.ParseFileName(name)
	if !ok || typ != utils.FileTypeManifest {
		return 0, errors.NewCorruptionErrorf(path, 0, "CURRENT names %q, not a manifest", name)
	}
	return num, nil
}

// ReadManifest feeds fn every edit of the manifest at path. A partial final
// record, as left by a crash during append, ends the log silently; any
// checksum or framing failure before it is a CorruptionError.
func ReadManifest(path string, fn func(*VersionEdit) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewIOError("read", path, err)
	}
	r := wal.NewReader(data, path)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, wal.ErrTruncated) {
			return nil
		}
		if err != nil {
			return err
		}
		edit, err := DecodeVersionEdit(rec)
		if err != nil {
			return errors.NewCorruptionErrorf(path, r.LastRecordEnd(), "%v", err)
		}
		if err := fn(edit); err != nil {
			return err
		}
	}
}
