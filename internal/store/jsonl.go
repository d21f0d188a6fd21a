package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Append-only JSONL files with size-based rotation. Later records win on
// reload, so callers replay files oldest rotation first.

const (
	MaxRotations    = 3
	rotateThreshold = 1 << 20
	maxScanSize     = 2 << 20
)

func AppendJSONL(path string, rec any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfLarge(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

// ScanJSONL calls fn for every line across rotations, oldest first.
// Unparseable lines are skipped, not fatal.
func ScanJSONL(path string, fn func(line []byte)) error {
	for i := MaxRotations; i >= 0; i-- {
		p := path
		if i > 0 {
			p = fmt.Sprintf("%s.%d", path, i)
		}
		if err := scanFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanFile(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}

// RewriteJSONL atomically replaces path (and drops rotations) with recs.
func RewriteJSONL(path string, recs []any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	for i := 1; i <= MaxRotations; i++ {
		_ = os.Remove(fmt.Sprintf("%s.%d", path, i))
	}
	syncDir(path)
	return nil
}

func rotateIfLarge(path string) error {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() < rotateThreshold {
		return nil
	}
	_ = os.Remove(fmt.Sprintf("%s.%d", path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	return os.Rename(path, path+".1")
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
