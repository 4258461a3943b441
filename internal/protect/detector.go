package protect

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.yaml.in/yaml/v3"
)

// Detector checks whether file paths are sensitive.
// Uses 3 detection strategies:
// 1. Lexical path prefixes (e.g., /etc, .git)
// 2. Glob patterns (e.g., **/secrets/**)
// 3. File types (e.g., .pem)
type Detector struct {
	prefixes  []string
	patterns  []compiledPattern
	fileTypes []string
	mu        sync.RWMutex
}

type compiledPattern struct {
	source string
	g      glob.Glob
	// rooted matches the pattern with a leading "**/" removed so that
	// top-level files match too.
	rooted glob.Glob
}

// protectConfig is the sensitive_paths section of a YAML policy file.
type protectConfig struct {
	SensitivePaths struct {
		Prefixes  []string `yaml:"prefixes"`
		Patterns  []string `yaml:"patterns"`
		FileTypes []string `yaml:"file_types"`
	} `yaml:"sensitive_paths"`
}

// New creates a new detector with the default prefixes, patterns and file types.
func New() *Detector {
	d := &Detector{
		prefixes:  append([]string{}, DefaultPrefixes...),
		fileTypes: append([]string{}, DefaultFileTypes...),
	}
	for _, p := range DefaultPatterns {
		// Defaults are known to compile.
		_ = d.AddPattern(p)
	}
	return d
}

// NewEmpty creates a detector with no rules.
func NewEmpty() *Detector {
	return &Detector{}
}

func normalize(p string) string {
	p = filepath.ToSlash(p)
	if p == "" {
		return p
	}
	cleaned := path.Clean(p)
	return strings.TrimPrefix(cleaned, "./")
}

// IsSensitive reports whether a path is sensitive.
func (d *Detector) IsSensitive(p string) bool {
	sensitive, _ := d.IsSensitiveWithReason(p)
	return sensitive
}

// IsSensitiveWithReason reports whether a path is sensitive and why.
func (d *Detector) IsSensitiveWithReason(p string) (bool, string) {
	if p == "" {
		return false, ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	normalized := normalize(p)

	for _, prefix := range d.prefixes {
		if underPrefix(normalized, normalize(prefix)) {
			return true, "path is under sensitive prefix: " + prefix
		}
	}

	for _, cp := range d.patterns {
		if cp.g.Match(normalized) || (cp.rooted != nil && cp.rooted.Match(normalized)) {
			return true, "path matches sensitive pattern: " + cp.source
		}
	}

	ext := strings.ToLower(path.Ext(normalized))
	for _, ft := range d.fileTypes {
		if ext != "" && ext == strings.ToLower(ft) {
			return true, "file type is sensitive: " + ft
		}
	}

	return false, ""
}

// underPrefix is a lexical check: "a/b" is under "a" but "ab" is not.
func underPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "." {
		return false
	}
	if p == prefix {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(p, prefix)
	}
	return strings.HasPrefix(p, prefix+"/")
}

// AddPrefix adds a sensitive path prefix.
func (d *Detector) AddPrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefixes = append(d.prefixes, prefix)
}

// AddPattern compiles and adds a glob pattern.
func (d *Detector) AddPattern(pattern string) error {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	cp := compiledPattern{source: pattern, g: g}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		rooted, err := glob.Compile(rest, '/')
		if err != nil {
			return fmt.Errorf("compile pattern %q: %w", rest, err)
		}
		cp.rooted = rooted
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, cp)
	return nil
}

// AddFileType adds a file extension to the sensitive file types list.
func (d *Detector) AddFileType(ext string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileTypes = append(d.fileTypes, ext)
}

// Add classifies a configured entry: entries containing glob metacharacters
// become patterns, everything else a prefix.
func (d *Detector) Add(entry string) error {
	if strings.ContainsAny(entry, "*?[{") {
		return d.AddPattern(entry)
	}
	d.AddPrefix(entry)
	return nil
}

// LoadConfig loads additional rules from a YAML policy file.
func (d *Detector) LoadConfig(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read sensitive path config: %w", err)
	}

	var cfg protectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse sensitive path config: %w", err)
	}

	for _, p := range cfg.SensitivePaths.Patterns {
		if err := d.AddPattern(p); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefixes = append(d.prefixes, cfg.SensitivePaths.Prefixes...)
	d.fileTypes = append(d.fileTypes, cfg.SensitivePaths.FileTypes...)
	return nil
}
