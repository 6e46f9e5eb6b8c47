// Package testutil provides fixtures shared by the lsmkv tests.
package testutil

import (
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladgaus/lsmkv/internal/utils"
	"github.com/vladgaus/lsmkv/pkg/types"
)

// RandomKey generates a random key with the given prefix.
func RandomKey(prefix string, size int) []byte {
	key := make([]byte, len(prefix)+size)
	copy(key, prefix)
	if _, err := rand.Read(key[len(prefix):]); err != nil {
		panic(fmt.Sprintf("failed to generate random key: %v", err))
	}
	return key
}

// SequentialKey generates a key that sorts in num order.
func SequentialKey(prefix string, num int) []byte {
	return []byte(fmt.Sprintf("%s%010d", prefix, num))
}

// SequentialValue generates a recognizable value of the given size.
func SequentialValue(num, size int) []byte {
	pattern := fmt.Sprintf("value-%010d-", num)
	value := make([]byte, size)
	for i := 0; i < size; i++ {
		value[i] = pattern[i%len(pattern)]
	}
	return value
}

// GenerateEntries generates n sorted puts with sequence numbers 1..n.
func GenerateEntries(n, valueSize int) []*types.Entry {
	entries := make([]*types.Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = types.NewEntry(SequentialKey("key", i), SequentialValue(i, valueSize), uint64(i+1))
	}
	return entries
}

// CopyDir copies a live data directory. The copy is what a crash would
// leave behind: everything written so far and nothing the engine would
// have done later.
func CopyDir(t *testing.T, src, dst string) {
	t.Helper()
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	require.NoError(t, err)
}

// FilesOfType returns the paths in dir whose names parse as typ, in name
// order.
func FilesOfType(t *testing.T, dir string, typ utils.FileType) []string {
	t.Helper()
	names, err := utils.ListDir(dir)
	require.NoError(t, err)
	var paths []string
	for _, name := range names {
		if got, _, ok := utils.ParseFileName(name); ok && got == typ {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths
}

// WALSegments returns the log segments of a data directory.
func WALSegments(t *testing.T, dataDir string) []string {
	t.Helper()
	return FilesOfType(t, filepath.Join(dataDir, utils.WALDir), utils.FileTypeWAL)
}

// SSTables returns the sorted runs of a data directory.
func SSTables(t *testing.T, dataDir string) []string {
	t.Helper()
	return FilesOfType(t, filepath.Join(dataDir, utils.SSTableDir), utils.FileTypeSSTable)
}

// Truncate cuts path to size bytes.
func Truncate(t *testing.T, path string, size int64) {
	t.Helper()
	require.NoError(t, os.Truncate(path, size))
}

// FileSize returns the size of path.
func FileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}
