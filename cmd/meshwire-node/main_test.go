package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "meshwire-node") {
		t.Fatalf("expected help output to mention meshwire-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"frobnicate"}, &out, &out)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command error, got %q", out.String())
	}
}

func TestIDIsStable(t *testing.T) {
	t.Setenv("MESHWIRE_HOME", t.TempDir())
	var first, second bytes.Buffer
	if code := run([]string{"id"}, &first, &first); code != 0 {
		t.Fatalf("id failed: %s", first.String())
	}
	if code := run([]string{"id"}, &second, &second); code != 0 {
		t.Fatalf("id failed: %s", second.String())
	}
	if first.String() != second.String() {
		t.Fatalf("node id changed between runs: %q vs %q", first.String(), second.String())
	}
	if strings.TrimSpace(first.String()) == "" {
		t.Fatal("empty node id")
	}
}
