package wizard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/term"

	"github.com/postalsys/tele-metroo/internal/config"
)

func TestRunRequiresTTY(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("test requires a non-interactive stdin")
	}
	w := New()
	if _, err := w.Run(); !errors.Is(err, ErrNoTTY) {
		t.Fatalf("Run without TTY: %v", err)
	}
}

func TestSave(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RSAKeys = []config.RSAKeyConfig{{File: "key.pem"}}
	cfg.DCs = []config.DCConfig{{
		ID:        2,
		Endpoints: []config.EndpointConfig{{Host: "example.org", Port: 443}},
	}}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("saved config does not load: %v", err)
	}
	if loaded.DCs[0].ID != 2 {
		t.Fatal("saved config lost data")
	}
}
