package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := Parse(&buf)
	if err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if c.GetMaxSteps() != DefaultMaxSteps {
		t.Errorf("max steps: got %d", c.GetMaxSteps())
	}
	if c.GetMaxDepth() != DefaultMaxDepth {
		t.Errorf("max depth: got %d", c.GetMaxDepth())
	}
	if c.GetSearchCeiling() != DefaultSearchCeiling {
		t.Errorf("search ceiling: got %d", c.GetSearchCeiling())
	}
	if c.DecomposeAddressCalc() {
		t.Error("address computations must be terminal by default")
	}
	if len(c.DebugInfoDirectories) != 1 {
		t.Errorf("debug info directories: %v", c.DebugInfoDirectories)
	}
}

func TestParseOverrides(t *testing.T) {
	c, err := Parse(strings.NewReader(`
max-steps: 200
max-depth: 7
address-calc: decompose
disassemble-flavor: gnu
aliases:
  trace: ["tt"]
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.GetMaxSteps() != 200 || c.GetMaxDepth() != 7 {
		t.Fatalf("got steps=%d depth=%d", c.GetMaxSteps(), c.GetMaxDepth())
	}
	if !c.DecomposeAddressCalc() {
		t.Fatal("expected decompose mode")
	}
	if got := c.Aliases["trace"]; len(got) != 1 || got[0] != "tt" {
		t.Fatalf("aliases: %v", c.Aliases)
	}
}

func TestParseRejectsUnknownPolicy(t *testing.T) {
	if _, err := Parse(strings.NewReader("address-calc: sometimes\n")); err == nil {
		t.Fatal("expected an error for an unknown address-calc policy")
	}
	if _, err := Parse(strings.NewReader("disassemble-flavor: att\n")); err == nil {
		t.Fatal("expected an error for an unknown flavor")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIMETRACK_CONFIG_DIR", dir)

	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.GetMaxSteps() != DefaultMaxSteps {
		t.Fatalf("got %d", c.GetMaxSteps())
	}
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	steps := 99
	c.MaxSteps = &steps
	if err := SaveConfig(c); err != nil {
		t.Fatal(err)
	}
	c2, err := LoadConfigFrom(filepath.Join(dir, configFile))
	if err != nil {
		t.Fatal(err)
	}
	if c2.GetMaxSteps() != 99 {
		t.Fatalf("saved value not loaded back: %d", c2.GetMaxSteps())
	}
}
