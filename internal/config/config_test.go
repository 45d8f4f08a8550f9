package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlags(t *testing.T) {
	opts, err := ParseFlags([]string{"--id", "5", "--login", "player1", "--rpc-port", "9000"})
	if err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if opts.PlayerID != 5 || opts.PlayerLogin != "player1" {
		t.Fatalf("identity wrong: %+v", opts)
	}
	if opts.RPCPort != 9000 {
		t.Fatalf("flag not applied: %+v", opts)
	}
	if opts.GPGNetPort != 7237 {
		t.Fatalf("default lost: %+v", opts)
	}
}

func TestParseFlagsRequiresIdentity(t *testing.T) {
	if _, err := ParseFlags([]string{"--login", "player1"}); err == nil {
		t.Fatal("expected error without --id")
	}
	if _, err := ParseFlags([]string{"--id", "5"}); err == nil {
		t.Fatal("expected error without --login")
	}
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapter.yaml")
	file := `
id: 5
login: player1
rpc-port: 9000
gpgnet-port: 9001
ice-servers:
  - url: stun:stun.example.com:3478
  - urls: [turn:turn.example.com:3478]
    username: u
    credential: p
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// The flag overrides the file; the file overrides the default.
	opts, err := ParseFlags([]string{"--config", path, "--rpc-port", "9999"})
	if err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if opts.RPCPort != 9999 {
		t.Fatalf("flag should win over file: %+v", opts)
	}
	if opts.GPGNetPort != 9001 {
		t.Fatalf("file should win over default: %+v", opts)
	}
	if opts.PlayerID != 5 || opts.PlayerLogin != "player1" {
		t.Fatalf("identity not read from file: %+v", opts)
	}
	if len(opts.IceServers) != 2 || opts.IceServers[1].Username != "u" {
		t.Fatalf("ice servers not parsed: %+v", opts.IceServers)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile("/nonexistent/adapter.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
