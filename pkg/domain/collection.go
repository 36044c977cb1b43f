package domain

import (
	"sort"
	"strings"
)

// Collection is an ordered aggregate of same-name, same-frequency items.
// Indexing depends on the frequency: per-study collections hold at most
// one item, per-subject and per-visit collections index by a single ID,
// and per-session collections index by (subject ID, visit ID).
type Collection struct {
	name      string
	kind      ItemKind
	frequency Frequency
	format    string
	dtype     DType
	items     []Item
	index     map[string]int
}

// NewCollection validates and assembles a collection from items. Every
// member must share the collection's frequency and a single format or
// dtype; violations are usage errors.
func NewCollection(name string, kind ItemKind, freq Frequency, items []Item) (Collection, error) {
	if !freq.Valid() {
		return Collection{}, Usagef("invalid frequency %q for collection %q", string(freq), name)
	}
	if freq == PerStudy && len(items) > 1 {
		return Collection{}, NewError(KindUsage, name, "per-study collection holds at most one item, got %d", len(items))
	}
	c := Collection{name: name, kind: kind, frequency: freq, index: make(map[string]int, len(items))}
	for _, it := range items {
		if it.Frequency != freq {
			return Collection{}, NewError(KindUsage, name,
				"item frequency %s does not match collection frequency %s", it.Frequency, freq)
		}
		if it.Kind != kind {
			return Collection{}, NewError(KindUsage, name,
				"item kind %s does not match collection kind %s", it.Kind, kind)
		}
		switch kind {
		case KindFileset:
			if it.Format != "" {
				if c.format != "" && c.format != it.Format {
					return Collection{}, NewError(KindUsage, name,
						"heterogeneous collection: formats %q and %q", c.format, it.Format)
				}
				c.format = it.Format
			}
		case KindField:
			if it.DType != "" {
				if c.dtype != "" && c.dtype != it.DType {
					return Collection{}, NewError(KindUsage, name,
						"heterogeneous collection: dtypes %q and %q", c.dtype, it.DType)
				}
				c.dtype = it.DType
			}
		}
		c.items = append(c.items, it)
	}
	sort.Slice(c.items, func(i, j int) bool {
		a, b := c.items[i], c.items[j]
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		return a.VisitID < b.VisitID
	})
	for i, it := range c.items {
		key := indexKey(freq, it.SubjectID, it.VisitID)
		if _, dup := c.index[key]; dup {
			return Collection{}, NewError(KindUsage, name, "duplicate item at node %s", nodeLabel(it.SubjectID, it.VisitID))
		}
		c.index[key] = i
	}
	return c, nil
}

// Name returns the shared item name.
func (c Collection) Name() string { return c.name }

// Kind returns the shared item kind.
func (c Collection) Kind() ItemKind { return c.kind }

// Frequency returns the collection frequency.
func (c Collection) Frequency() Frequency { return c.frequency }

// Format returns the shared fileset format, if any.
func (c Collection) Format() string { return c.format }

// DType returns the shared field dtype, if any.
func (c Collection) DType() DType { return c.dtype }

// Len returns the number of members.
func (c Collection) Len() int { return len(c.items) }

// Items returns the ordered members.
func (c Collection) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Item resolves the member at the identifiers appropriate for the
// collection's frequency. Identifiers on unused axes are ignored, so a
// per-subject collection can be indexed directly from a session. Absent
// identifiers raise the distinguished missing-index error.
func (c Collection) Item(subjectID, visitID string) (Item, error) {
	if c.frequency == PerStudy {
		if len(c.items) == 0 {
			return Item{}, NewError(KindMissingIndex, c.name, "empty per-study collection")
		}
		return c.items[0], nil
	}
	if !c.frequency.UsesSubject() {
		subjectID = ""
	}
	if !c.frequency.UsesVisit() {
		visitID = ""
	}
	i, ok := c.index[indexKey(c.frequency, subjectID, visitID)]
	if !ok {
		return Item{}, NewError(KindMissingIndex, c.name, "no item at node %s (have: %s)",
			nodeLabel(subjectID, visitID), strings.Join(c.nodeLabels(), ", "))
	}
	return c.items[i], nil
}

// AllExist reports whether every member exists. Empty collections report
// false.
func (c Collection) AllExist() bool {
	if len(c.items) == 0 {
		return false
	}
	for _, it := range c.items {
		if !it.Exists {
			return false
		}
	}
	return true
}

func (c Collection) nodeLabels() []string {
	labels := make([]string, 0, len(c.items))
	for _, it := range c.items {
		labels = append(labels, nodeLabel(it.SubjectID, it.VisitID))
	}
	return labels
}

func indexKey(freq Frequency, subjectID, visitID string) string {
	switch freq {
	case PerSession:
		return subjectID + "\x00" + visitID
	case PerSubject:
		return subjectID
	case PerVisit:
		return visitID
	default:
		return ""
	}
}

func nodeLabel(subjectID, visitID string) string {
	switch {
	case subjectID != "" && visitID != "":
		return subjectID + "/" + visitID
	case subjectID != "":
		return subjectID
	case visitID != "":
		return visitID
	default:
		return "study"
	}
}
