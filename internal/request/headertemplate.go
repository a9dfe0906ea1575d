package request

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigFile is used when a caller doesn't name a template path.
const DefaultConfigFile = "configs/default_headers.yaml"

// MaxTemplateFileSize bounds how large a default-headers file may be
// before TemplateLoader refuses to parse it.
const MaxTemplateFileSize = 1 * 1024 * 1024

//go:embed default_headers_template.yaml
var defaultHeaderTemplate string

// Template is the parsed shape of a default-headers YAML file.
type Template struct {
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// TemplateError wraps a failure to load or parse a header template file.
type TemplateError struct {
	FilePath string
	Cause    error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("header template %s: %v", e.FilePath, e.Cause)
}

func (e *TemplateError) Unwrap() error { return e.Cause }

// TemplateLoader loads a set of default headers to apply to every
// request a crawl issues, on top of the engine's own hardcoded
// defaults and below any caller-supplied per-request overrides.
type TemplateLoader struct {
	path string
}

// NewTemplateLoader builds a loader rooted at path, falling back to
// DefaultConfigFile when path is empty.
func NewTemplateLoader(path string) *TemplateLoader {
	if path == "" {
		path = DefaultConfigFile
	}
	return &TemplateLoader{path: path}
}

// EnsureExists writes the bundled template to disk the first time a
// crawl runs, so operators have a starting point to edit instead of
// an opaque missing-file error.
func (l *TemplateLoader) EnsureExists() error {
	if _, err := os.Stat(l.path); !os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("header template: create directory for %s: %w", l.path, err)
	}
	return os.WriteFile(l.path, []byte(defaultHeaderTemplate), 0o644)
}

// Load reads and validates the template file, creating it from the
// bundled default on first use. An empty headers: block is not an
// error; it yields a Template with an initialized, empty map.
func (l *TemplateLoader) Load() (*Template, error) {
	if err := l.EnsureExists(); err != nil {
		return nil, err
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return nil, &TemplateError{FilePath: l.path, Cause: err}
	}
	if info.Size() > MaxTemplateFileSize {
		return nil, &TemplateError{
			FilePath: l.path,
			Cause:    fmt.Errorf("file is %d bytes, exceeds %d byte limit", info.Size(), MaxTemplateFileSize),
		}
	}

	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, &TemplateError{FilePath: l.path, Cause: err}
	}

	var tmpl Template
	if err := v.Unmarshal(&tmpl); err != nil {
		return nil, &TemplateError{FilePath: l.path, Cause: fmt.Errorf("unmarshal: %w", err)}
	}
	if tmpl.Headers == nil {
		tmpl.Headers = make(map[string]string)
	}
	return &tmpl, nil
}

// CLIHeaders are headers passed on a command line as "Name: Value"
// strings, the highest-priority override layer.
type CLIHeaders []string

// Parse turns each "Name: Value" entry into an http.Header.
func (ch CLIHeaders) Parse() (http.Header, error) {
	result := make(http.Header)
	for i, s := range ch {
		name, value, err := parseHeaderString(s)
		if err != nil {
			return nil, fmt.Errorf("--header entry %d: %w", i+1, err)
		}
		result.Set(name, value)
	}
	return result, nil
}

func parseHeaderString(s string) (name, value string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", errors.New("expected \"Name: Value\"")
	}
	name = strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])
	if name == "" {
		return "", "", errors.New("header name is empty")
	}
	return name, value, nil
}

// DefaultHeaders merges the engine's hardcoded defaults, the template
// file, and CLI overrides, in ascending priority, validating the
// result with a HeaderValidator before returning it.
type DefaultHeaders struct {
	loader    *TemplateLoader
	validator *HeaderValidator
	defaults  http.Header
	cli       http.Header

	template http.Header
	loaded   bool
}

// NewDefaultHeaders builds a DefaultHeaders provider. cliHeaders are
// "Name: Value" strings, typically sourced from repeated --header
// flags.
func NewDefaultHeaders(templatePath string, cliHeaders []string) (*DefaultHeaders, error) {
	cli, err := CLIHeaders(cliHeaders).Parse()
	if err != nil {
		return nil, err
	}
	return &DefaultHeaders{
		loader:    NewTemplateLoader(templatePath),
		validator: NewHeaderValidator(),
		defaults:  engineDefaultHeaders(),
		cli:       cli,
	}, nil
}

func engineDefaultHeaders() http.Header {
	return http.Header{
		"User-Agent":      {"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
		"Accept":          {"*/*"},
		"Accept-Encoding": {"gzip, deflate, br"},
	}
}

// Resolve loads the template (once) and returns the validated,
// merged header set: defaults < template < CLI.
func (d *DefaultHeaders) Resolve() (http.Header, error) {
	if !d.loaded {
		tmpl, err := d.loader.Load()
		if err != nil {
			return nil, err
		}
		d.template = make(http.Header)
		for name, value := range tmpl.Headers {
			d.template.Set(name, value)
		}
		d.loaded = true
	}

	merged := make(http.Header)
	for name, values := range d.defaults {
		merged[name] = values
	}
	for name, values := range d.template {
		merged[name] = values
	}
	for name, values := range d.cli {
		merged[name] = values
	}

	if err := d.validator.Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}
