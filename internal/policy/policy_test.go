package policy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClaudeToolsCSVSafeVsUnsafe(t *testing.T) {
	if got := ClaudeToolsCSV(ModeSafe); got != "Read,Glob,Grep" {
		t.Fatalf("safe = %q", got)
	}
	if got := ClaudeToolsCSV(ModeUnsafe); got != "Bash,Read,Edit,Write,Glob,Grep" {
		t.Fatalf("unsafe = %q", got)
	}
}

func TestOpenCodeConfigContentNeverContainsAsk(t *testing.T) {
	for _, mode := range []Mode{ModeSafe, ModeUnsafe} {
		doc, err := OpenCodeConfigContent(mode)
		if err != nil {
			t.Fatalf("mode=%s: %v", mode, err)
		}
		if strings.Contains(doc, `"ask"`) {
			t.Fatalf("mode=%s: policy document contains ask: %s", mode, doc)
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
			t.Fatalf("mode=%s: invalid JSON: %v", mode, err)
		}
	}
}

func TestOpenCodeConfigContentUnsafeAddsEditAndBash(t *testing.T) {
	doc, err := OpenCodeConfigContent(ModeUnsafe)
	if err != nil {
		t.Fatalf("unsafe: %v", err)
	}
	if !strings.Contains(doc, `"edit"`) || !strings.Contains(doc, `"bash"`) {
		t.Fatalf("expected edit/bash in unsafe doc: %s", doc)
	}

	safeDoc, err := OpenCodeConfigContent(ModeSafe)
	if err != nil {
		t.Fatalf("safe: %v", err)
	}
	if strings.Contains(safeDoc, `"edit"`) || strings.Contains(safeDoc, `"bash"`) {
		t.Fatalf("safe doc should omit edit/bash: %s", safeDoc)
	}
}

func TestModeForChat(t *testing.T) {
	if ModeForChat(false) != ModeSafe {
		t.Fatal("expected safe mode")
	}
	if ModeForChat(true) != ModeUnsafe {
		t.Fatal("expected unsafe mode")
	}
}

func TestVersionDiffersByMode(t *testing.T) {
	if Version(ModeSafe) == Version(ModeUnsafe) {
		t.Fatal("expected different policy versions for different modes")
	}
}
