package domain

import (
	"sort"
	"strings"
)

// FileFormat describes how a fileset is stored on disk or in an archive.
type FileFormat struct {
	// Name uniquely identifies the format within a registry.
	Name string `json:"name"`
	// Extension is the primary file extension including the leading dot,
	// or empty for directory formats.
	Extension string `json:"extension,omitempty"`
	// Directory marks formats stored as a directory of files.
	Directory bool `json:"directory,omitempty"`
	// SideCars maps side-car roles to their extensions (e.g. header files).
	SideCars map[string]string `json:"side_cars,omitempty"`
}

// Converter translates fileset content between two registered formats. The
// engine only needs to locate converters; running them is a workflow step.
type Converter interface {
	From() string
	To() string
}

// FormatRegistry resolves format names, extensions, and converters. It is
// constructed explicitly per study or process and passed by reference;
// there is no package-level registry.
type FormatRegistry struct {
	byName     map[string]FileFormat
	byExt      map[string]string
	converters map[string]Converter
}

// NewFormatRegistry constructs an empty registry.
func NewFormatRegistry() *FormatRegistry {
	return &FormatRegistry{
		byName:     make(map[string]FileFormat),
		byExt:      make(map[string]string),
		converters: make(map[string]Converter),
	}
}

// Register adds a format. Re-registering a name or extension already taken
// by a different format is a name-clash error.
func (r *FormatRegistry) Register(f FileFormat) error {
	if f.Name == "" {
		return Usagef("file format requires a name")
	}
	if existing, ok := r.byName[f.Name]; ok {
		if existing.Extension == f.Extension && existing.Directory == f.Directory {
			return nil
		}
		return NewError(KindNameClash, f.Name, "format name already registered with extension %q", existing.Extension)
	}
	if f.Extension != "" {
		if holder, ok := r.byExt[f.Extension]; ok && holder != f.Name {
			return NewError(KindNameClash, f.Name, "extension %q already registered to format %q", f.Extension, holder)
		}
		r.byExt[f.Extension] = f.Name
	}
	r.byName[f.Name] = f
	return nil
}

// Lookup resolves a format by name.
func (r *FormatRegistry) Lookup(name string) (FileFormat, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// ByExtension resolves a format from a file name's extension.
func (r *FormatRegistry) ByExtension(filename string) (FileFormat, bool) {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return FileFormat{}, false
	}
	name, ok := r.byExt[filename[idx:]]
	if !ok {
		return FileFormat{}, false
	}
	return r.byName[name], true
}

// Names returns the registered format names in sorted order.
func (r *FormatRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterConverter adds a converter between two registered formats.
func (r *FormatRegistry) RegisterConverter(c Converter) error {
	if _, ok := r.byName[c.From()]; !ok {
		return NewError(KindNoConverter, c.From(), "converter source format not registered")
	}
	if _, ok := r.byName[c.To()]; !ok {
		return NewError(KindNoConverter, c.To(), "converter target format not registered")
	}
	r.converters[c.From()+"->"+c.To()] = c
	return nil
}

// Converter locates a converter between two formats. Identical formats
// need no conversion and return (nil, nil). A missing converter is a
// no-converter error naming both formats.
func (r *FormatRegistry) Converter(from, to string) (Converter, error) {
	if from == to {
		return nil, nil
	}
	if c, ok := r.converters[from+"->"+to]; ok {
		return c, nil
	}
	return nil, NewError(KindNoConverter, from, "no converter registered from %q to %q", from, to)
}
