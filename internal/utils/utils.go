// Package utils names the files of a data directory and provides the
// small filesystem helpers shared by the engine and the inspection tool.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// FileType classifies a file found in a data directory.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeSSTable
	FileTypeWAL
	FileTypeManifest
	FileTypeCurrent
	FileTypeLock
	FileTypeIdentity
	FileTypeCleanShutdown
	FileTypeTemp
)

// Fixed names and layout.
const (
	SSTableDir = "sst"
	WALDir     = "wal"

	SSTableExtension = ".sst"
	WALExtension     = ".log"
	TempExtension    = ".tmp"

	ManifestPrefix        = "MANIFEST-"
	CurrentFileName       = "CURRENT"
	LockFileName          = "LOCK"
	IdentityFileName      = "IDENTITY"
	CleanShutdownFileName = "CLEAN_SHUTDOWN"
)

// SSTablePath returns dir/sst/NNNNNN.sst.
func SSTablePath(dir string, fileNum uint64) string {
	return filepath.Join(dir, SSTableDir, fmt.Sprintf("%06d%s", fileNum, SSTableExtension))
}

// WALPath returns walDir/NNNNNN.log. walDir is the segment directory
// itself, not the data directory.
func WALPath(walDir string, fileNum uint64) string {
	return filepath.Join(walDir, fmt.Sprintf("%06d%s", fileNum, WALExtension))
}

// ManifestName returns MANIFEST-NNNNNN.
func ManifestName(fileNum uint64) string {
	return fmt.Sprintf("%s%06d", ManifestPrefix, fileNum)
}

// ParseFileName classifies base and extracts its file number when it
// carries one.
func ParseFileName(base string) (FileType, uint64, bool) {
	switch base {
	case CurrentFileName:
		return FileTypeCurrent, 0, true
	case LockFileName:
		return FileTypeLock, 0, true
	case IdentityFileName:
		return FileTypeIdentity, 0, true
	case CleanShutdownFileName:
		return FileTypeCleanShutdown, 0, true
	}

	var typ FileType
	var num string
	switch {
	case strings.HasPrefix(base, ManifestPrefix):
		typ, num = FileTypeManifest, strings.TrimPrefix(base, ManifestPrefix)
	case strings.HasSuffix(base, SSTableExtension):
		typ, num = FileTypeSSTable, strings.TrimSuffix(base, SSTableExtension)
	case strings.HasSuffix(base, WALExtension):
		typ, num = FileTypeWAL, strings.TrimSuffix(base, WALExtension)
	case strings.HasSuffix(base, TempExtension):
		return FileTypeTemp, 0, true
	default:
		return FileTypeUnknown, 0, false
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return FileTypeUnknown, 0, false
	}
	return typ, n, true
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveFile removes path, ignoring a missing file.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("remove", path, err)
	}
	return nil
}

// SyncDir fsyncs a directory so that created, renamed and removed entries
// are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return errors.NewIOError("open", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.NewIOError("sync", dir, err)
	}
	return nil
}

// AtomicWrite replaces path with data through a synced temporary file and
// a rename, then syncs the parent directory.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := path + TempExtension

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return errors.NewIOError("open", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.NewIOError("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.NewIOError("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.NewIOError("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.NewIOError("rename", tmp, err)
	}
	return SyncDir(dir)
}

// ListDir returns the base names in dir, or nil if dir does not exist.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("readdir", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
