package request

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTemplateLoader_GeneratesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.yaml")

	loader := NewTemplateLoader(path)
	tmpl, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("expected template file to be generated")
	}
	if tmpl.Headers == nil {
		t.Fatal("expected Headers map to be initialized")
	}
}

func TestTemplateLoader_LoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.yaml")
	content := "headers:\n  User-Agent: \"Test Bot/1.0\"\n  X-Custom: \"test value\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	tmpl, err := NewTemplateLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tmpl.Headers["user-agent"] != "Test Bot/1.0" {
		t.Errorf("user-agent = %q, want %q", tmpl.Headers["user-agent"], "Test Bot/1.0")
	}
	if tmpl.Headers["x-custom"] != "test value" {
		t.Errorf("x-custom = %q, want %q", tmpl.Headers["x-custom"], "test value")
	}
}

func TestTemplateLoader_RejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.yaml")
	large := make([]byte, MaxTemplateFileSize+1)
	if err := os.WriteFile(path, large, 0o644); err != nil {
		t.Fatalf("write large file: %v", err)
	}

	if _, err := NewTemplateLoader(path).Load(); err == nil {
		t.Fatal("expected oversized template file to be rejected")
	}
}

func TestTemplateLoader_RejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.yaml")
	bad := "headers:\n  User-Agent: \"unterminated\n  X-Custom: missing quote\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}

	if _, err := NewTemplateLoader(path).Load(); err == nil {
		t.Fatal("expected malformed YAML to be rejected")
	}
}

func TestDefaultHeaders_MergesInPriorityOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.yaml")
	content := "headers:\n  User-Agent: \"Template Bot/1.0\"\n  X-From-Template: \"yes\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	dh, err := NewDefaultHeaders(path, []string{"User-Agent: CLI Bot/1.0"})
	if err != nil {
		t.Fatalf("NewDefaultHeaders() error = %v", err)
	}

	merged, err := dh.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := merged.Get("User-Agent"); got != "CLI Bot/1.0" {
		t.Errorf("User-Agent = %q, want CLI override %q", got, "CLI Bot/1.0")
	}
	if got := merged.Get("X-From-Template"); got != "yes" {
		t.Errorf("X-From-Template = %q, want template value", got)
	}
	if merged.Get("Accept") == "" {
		t.Error("expected engine default Accept header to survive the merge")
	}
}

func TestDefaultHeaders_RejectsInvalidCLIHeader(t *testing.T) {
	if _, err := NewDefaultHeaders("", []string{"missing-colon"}); err == nil {
		t.Fatal("expected invalid CLI header to be rejected")
	}
}
