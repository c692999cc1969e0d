package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  // management commands only need storage
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "overseer.db")) + `"}
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashCommand(t *testing.T) {
	out, err := run(t, "", "hash", "secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.TrimSpace(out) != "5ebe2294ecd0e0f08eab7690d2a6ee69" {
		t.Fatalf("hash output %q", out)
	}

	out, err = run(t, "secret\n", "hash")
	if err != nil || strings.TrimSpace(out) != "5ebe2294ecd0e0f08eab7690d2a6ee69" {
		t.Fatalf("hash from stdin: %q %v", out, err)
	}
}

func TestSlaveCommands(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := run(t, "", "--config", cfg, "slave", "add", "fridge1", "-p", "pw", "--owner", "42"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := run(t, "", "--config", cfg, "slave", "add", "fridge1", "-p", "pw"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate add err=%v", err)
	}
	if _, err := run(t, "newpw\n", "--config", cfg, "slave", "passwd", "fridge1"); err != nil {
		t.Fatalf("passwd: %v", err)
	}

	out, err := run(t, "", "--config", cfg, "slave", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "fridge1") || !strings.Contains(out, "42") {
		t.Fatalf("list output %q", out)
	}

	if _, err := run(t, "", "--config", cfg, "slave", "rm", "fridge1"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if _, err := run(t, "", "--config", cfg, "slave", "rm", "fridge1"); err == nil {
		t.Fatalf("expected error removing a missing slave")
	}
}

func TestReadPasswordRejectsEmpty(t *testing.T) {
	if _, err := readPassword("-", strings.NewReader("\n")); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
