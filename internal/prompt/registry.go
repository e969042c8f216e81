// Package prompt loads the versioned prompt registry and exposes the
// version metadata the audit service stamps on every record.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrPromptNotFound is returned for an unknown prompt name or version.
	ErrPromptNotFound = errors.New("prompt: not found") //nolint:gochecknoglobals // sentinel error
	// ErrMissingVariable is returned by Render when a placeholder has no value.
	ErrMissingVariable = errors.New("prompt: missing template variable") //nolint:gochecknoglobals // sentinel error
)

// Version is one immutable revision of a prompt.
type Version struct {
	Version   string
	Content   string
	Changelog string
	// Hash is the first 16 hex chars of SHA-256 over the trimmed content.
	Hash string
}

// Entry is every revision of one prompt plus the pointer to the current one.
type Entry struct {
	Name           string
	Description    string
	CurrentVersion string
	Versions       map[string]*Version
}

// Current returns the revision CurrentVersion points at.
func (e *Entry) Current() *Version {
	return e.Versions[e.CurrentVersion]
}

// Info summarizes an entry for listings.
type Info struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	CurrentVersion    string   `json:"current_version"`
	CurrentHash       string   `json:"current_hash"`
	AvailableVersions []string `json:"available_versions"`
}

// Registry is the loaded prompt catalogue. It is read-only after Load.
type Registry struct {
	path    string
	entries map[string]*Entry
}

type versionDoc struct {
	Content   string `yaml:"content"`
	Changelog string `yaml:"changelog"`
}

type entryDoc struct {
	Description    string                `yaml:"description"`
	CurrentVersion string                `yaml:"current_version"`
	Versions       map[string]versionDoc `yaml:"versions"`
}

// Load reads and validates the registry at path.
func Load(path string) (*Registry, error) {
	content, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("prompt.Load: %w", err)
	}
	r, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("prompt.Load(%s): %w", path, err)
	}
	r.path = path
	return r, nil
}

// Parse builds a registry from YAML bytes.
func Parse(content []byte) (*Registry, error) {
	var docs map[string]entryDoc
	if err := yaml.Unmarshal(content, &docs); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(docs) == 0 {
		return nil, errors.New("registry is empty")
	}

	r := &Registry{entries: make(map[string]*Entry, len(docs))}
	for name, doc := range docs {
		e := &Entry{
			Name:           name,
			Description:    doc.Description,
			CurrentVersion: doc.CurrentVersion,
			Versions:       make(map[string]*Version, len(doc.Versions)),
		}
		for v, vd := range doc.Versions {
			e.Versions[v] = newVersion(v, vd.Content, vd.Changelog)
		}
		if _, ok := e.Versions[e.CurrentVersion]; !ok {
			return nil, fmt.Errorf("prompt %q: current_version %q not in versions %v",
				name, e.CurrentVersion, sortedKeys(e.Versions))
		}
		r.entries[name] = e
	}
	return r, nil
}

func newVersion(v, content, changelog string) *Version {
	content = strings.TrimSpace(content)
	sum := sha256.Sum256([]byte(content))
	return &Version{
		Version:   v,
		Content:   content,
		Changelog: changelog,
		Hash:      hex.EncodeToString(sum[:])[:16],
	}
}

// Path returns the file the registry was loaded from, if any.
func (r *Registry) Path() string { return r.path }

// Get returns the current revision of name.
func (r *Registry) Get(name string) (*Version, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("prompt.Registry.Get(%s): %w", name, ErrPromptNotFound)
	}
	return e.Current(), nil
}

// GetVersion returns a specific revision, for replaying historical sessions.
func (r *Registry) GetVersion(name, version string) (*Version, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("prompt.Registry.GetVersion(%s): %w", name, ErrPromptNotFound)
	}
	v, ok := e.Versions[version]
	if !ok {
		return nil, fmt.Errorf("prompt.Registry.GetVersion(%s@%s): %w", name, version, ErrPromptNotFound)
	}
	return v, nil
}

// CurrentVersions maps every prompt name to its current version.
func (r *Registry) CurrentVersions() map[string]string {
	out := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.CurrentVersion
	}
	return out
}

// VersionMetadata returns the current version and hash of name.
func (r *Registry) VersionMetadata(name string) (version, hash string, ok bool) {
	e, found := r.entries[name]
	if !found {
		return "", "", false
	}
	cur := e.Current()
	return cur.Version, cur.Hash, true
}

// List describes every prompt, sorted by name.
func (r *Registry) List() []Info {
	names := sortedKeys(r.entries)
	out := make([]Info, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		out = append(out, Info{
			Name:              name,
			Description:       e.Description,
			CurrentVersion:    e.CurrentVersion,
			CurrentHash:       e.Current().Hash,
			AvailableVersions: sortedKeys(e.Versions),
		})
	}
	return out
}

// Render substitutes {name} placeholders. Doubled braces are literal.
func (v *Version) Render(vars map[string]string) (string, error) {
	if len(vars) == 0 {
		return v.Content, nil
	}

	var b strings.Builder
	s := v.Content
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("prompt.Version.Render: unclosed placeholder at offset %d", i)
			}
			key := s[i+1 : i+1+end]
			val, ok := vars[key]
			if !ok {
				return "", fmt.Errorf("prompt.Version.Render(%s): %w", key, ErrMissingVariable)
			}
			b.WriteString(val)
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
