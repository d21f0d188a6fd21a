package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

type rec struct {
	N int `json:"n"`
}

func TestAppendScanRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.jsonl")
	for i := 0; i < 5; i++ {
		if err := AppendJSONL(path, rec{N: i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	var got []int
	err := ScanJSONL(path, func(line []byte) {
		var r rec
		if err := json.Unmarshal(line, &r); err == nil {
			got = append(got, r.N)
		}
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 5 || got[0] != 0 || got[4] != 4 {
		t.Fatalf("scan order wrong: %v", got)
	}
}

func TestRewriteDropsOldContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.jsonl")
	for i := 0; i < 3; i++ {
		if err := AppendJSONL(path, rec{N: i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := RewriteJSONL(path, []any{rec{N: 42}}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	var got []int
	if err := ScanJSONL(path, func(line []byte) {
		var r rec
		if err := json.Unmarshal(line, &r); err == nil {
			got = append(got, r.N)
		}
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("rewrite content wrong: %v", got)
	}
}

func TestScanSkipsGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.jsonl")
	if err := AppendJSONL(path, rec{N: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	count := 0
	if err := ScanJSONL(path, func(line []byte) {
		var r rec
		if err := json.Unmarshal(line, &r); err == nil {
			count++
		}
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}
}
