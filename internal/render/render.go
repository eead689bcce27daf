// Package render writes a settings.Settings value in the shapes consumed by
// provisioning hosts: JSON, YAML, shell exports and a Vagrant global snippet.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ksvietme/vmdefaults/internal/settings"
)

// Format selects an output representation.
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatEnv     Format = "env"
	FormatVagrant Format = "vagrant"
)

// ErrUnknownFormat is returned for format names ParseFormat does not recognise.
var ErrUnknownFormat = errors.New("unknown output format")

// Formats lists every supported format name.
func Formats() []string {
	return []string{string(FormatJSON), string(FormatYAML), string(FormatEnv), string(FormatVagrant)}
}

// ParseFormat maps a case-insensitive name to a Format.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatJSON, FormatYAML, FormatEnv, FormatVagrant:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// ContentType returns the HTTP media type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Document is the serialised view of a Settings value.
type Document struct {
	AdminKey        string         `json:"adminKey" yaml:"admin_key"`
	RootKey         string         `json:"rootKey" yaml:"root_key"`
	DefaultCPU      string         `json:"defaultCpu" yaml:"default_cpu"`
	DefaultMemoryMB string         `json:"defaultMemoryMb" yaml:"default_memory_mb"`
	Proxy           *ProxyDocument `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// ProxyDocument is the serialised proxy triple.
type ProxyDocument struct {
	HTTP    string `json:"http" yaml:"http"`
	HTTPS   string `json:"https" yaml:"https"`
	NoProxy string `json:"noProxy" yaml:"no_proxy"`
}

// NewDocument converts s to its serialised view.
func NewDocument(s settings.Settings) Document {
	doc := Document{
		AdminKey:        s.AdminKey,
		RootKey:         s.RootKey,
		DefaultCPU:      s.DefaultCPU,
		DefaultMemoryMB: s.DefaultMemoryMB,
	}
	if s.Proxy != nil {
		doc.Proxy = &ProxyDocument{
			HTTP:    s.Proxy.HTTP,
			HTTPS:   s.Proxy.HTTPS,
			NoProxy: s.Proxy.NoProxy,
		}
	}
	return doc
}

// Write renders s to w in format f.
func Write(w io.Writer, s settings.Settings, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(NewDocument(s))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(NewDocument(s)); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatEnv:
		return writeEnv(w, s)
	case FormatVagrant:
		return writeVagrant(w, s)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

func writeEnv(w io.Writer, s settings.Settings) error {
	lines := [][2]string{
		{"VM_ADMIN_KEY", s.AdminKey},
		{"VM_ROOT_KEY", s.RootKey},
		{"VM_DEFAULT_CPU", s.DefaultCPU},
		{"VM_DEFAULT_MEMORY_MB", s.DefaultMemoryMB},
	}
	if s.Proxy != nil {
		lines = append(lines,
			[2]string{"http_proxy", s.Proxy.HTTP},
			[2]string{"https_proxy", s.Proxy.HTTPS},
			[2]string{"no_proxy", s.Proxy.NoProxy},
		)
	}

	var b strings.Builder
	for _, kv := range lines {
		fmt.Fprintf(&b, "export %s=%s\n", kv[0], shellQuote(kv[1]))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeVagrant(w io.Writer, s settings.Settings) error {
	var b strings.Builder
	b.WriteString("Vagrant.configure(\"2\") do |config|\n")
	fmt.Fprintf(&b, "  $adminvm_karlvkey = %s\n", rubyQuote(s.AdminKey))
	fmt.Fprintf(&b, "  $adminvm_rootkey = %s\n", rubyQuote(s.RootKey))
	fmt.Fprintf(&b, "  $defaultvm_CPU = %s\n", rubyQuote(s.DefaultCPU))
	fmt.Fprintf(&b, "  $defaultvm_MEM = %s\n", rubyQuote(s.DefaultMemoryMB))
	if s.Proxy != nil {
		fmt.Fprintf(&b, "  config.proxy.http     = %s\n", rubyQuote(s.Proxy.HTTP))
		fmt.Fprintf(&b, "  config.proxy.https    = %s\n", rubyQuote(s.Proxy.HTTPS))
		fmt.Fprintf(&b, "  config.proxy.no_proxy = %s\n", rubyQuote(s.Proxy.NoProxy))
	}
	b.WriteString("end\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// rubyQuote uses single quotes so '#{' in a value is never interpolated.
func rubyQuote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
