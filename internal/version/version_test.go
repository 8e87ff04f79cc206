package version

import (
	"testing"

	"github.com/fatih/color"
)

func TestColoredWithoutColor(t *testing.T) {
	prevNoColor, prevVersion := color.NoColor, Version
	t.Cleanup(func() { color.NoColor, Version = prevNoColor, prevVersion })
	color.NoColor = true

	tests := []string{"0.1.0-dev", "1.2.3", "1.0.0-rc.1", "dev", "2.0"}
	for _, v := range tests {
		Version = v
		if got := Colored(); got != v {
			t.Errorf("Colored() with %q = %q", v, got)
		}
	}
}

func TestDefaultVersionIsSet(t *testing.T) {
	if Version == "" {
		t.Fatal("Version should have a default value")
	}
}
