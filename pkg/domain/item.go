package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ItemKind distinguishes the two payload variants of an Item.
type ItemKind string

// Item payload kinds.
const (
	// KindFileset is a path/URI-backed item carrying a file format.
	KindFileset ItemKind = "fileset"
	// KindField is a typed scalar or array value.
	KindField ItemKind = "field"
)

// DType is the value type of a field item.
type DType string

// Field value types.
const (
	DTypeInt    DType = "int"
	DTypeFloat  DType = "float"
	DTypeString DType = "string"
)

// Item is the atomic unit of data: a fileset or a field, located at one
// node of the study hierarchy. Items representing "known missing" data are
// valid values with Exists set to false. An Item instance is owned by the
// collection holding it and is never mutated concurrently.
type Item struct {
	Name      string    `json:"name"`
	Kind      ItemKind  `json:"kind"`
	Frequency Frequency `json:"frequency"`
	SubjectID string    `json:"subject_id,omitempty"`
	VisitID   string    `json:"visit_id,omitempty"`
	// FromStudy names the study namespace that derived the item; empty
	// for acquired data.
	FromStudy string `json:"from_study,omitempty"`
	Exists    bool   `json:"exists"`

	// Fileset payload.
	Format   string `json:"format,omitempty"`
	Path     string `json:"path,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	// Field payload.
	DType DType `json:"dtype,omitempty"`
	Array bool  `json:"array,omitempty"`
	Value any   `json:"value,omitempty"`
}

// NewFileset constructs an existing fileset item. Identifier axes are
// validated against the frequency.
func NewFileset(name string, freq Frequency, subjectID, visitID, format string) (Item, error) {
	if err := freq.CheckIDs(subjectID, visitID); err != nil {
		return Item{}, err
	}
	return Item{
		Name:      name,
		Kind:      KindFileset,
		Frequency: freq,
		SubjectID: subjectID,
		VisitID:   visitID,
		Format:    format,
		Exists:    true,
	}, nil
}

// NewField constructs an existing field item.
func NewField(name string, freq Frequency, subjectID, visitID string, dtype DType, array bool, value any) (Item, error) {
	if err := freq.CheckIDs(subjectID, visitID); err != nil {
		return Item{}, err
	}
	return Item{
		Name:      name,
		Kind:      KindField,
		Frequency: freq,
		SubjectID: subjectID,
		VisitID:   visitID,
		DType:     dtype,
		Array:     array,
		Value:     value,
		Exists:    true,
	}, nil
}

// Placeholder returns a copy of item marking it as known-missing at the
// given node. Used for selector skip policies and anticipated pipeline
// outputs that have not been materialized yet.
func Placeholder(template Item, subjectID, visitID string) Item {
	out := template
	out.SubjectID = subjectID
	out.VisitID = visitID
	out.Exists = false
	out.Path = ""
	out.Checksum = ""
	out.Value = nil
	return out
}

// Derived reports whether the item was produced by a pipeline rather than
// acquired externally.
func (it Item) Derived() bool { return it.FromStudy != "" }

// Equal reports deep equality of identity and payload.
func (it Item) Equal(other Item) bool {
	if it.Name != other.Name || it.Kind != other.Kind ||
		it.Frequency != other.Frequency ||
		it.SubjectID != other.SubjectID || it.VisitID != other.VisitID ||
		it.FromStudy != other.FromStudy || it.Exists != other.Exists {
		return false
	}
	switch it.Kind {
	case KindFileset:
		return it.Format == other.Format && it.Path == other.Path && it.Checksum == other.Checksum
	case KindField:
		return it.DType == other.DType && it.Array == other.Array &&
			canonicalValue(it.Value) == canonicalValue(other.Value)
	}
	return false
}

// Less orders items: acquired before derived, then by name, then by the
// producing study name, then by subject and visit IDs.
func (it Item) Less(other Item) bool {
	if it.Derived() != other.Derived() {
		return !it.Derived()
	}
	if it.Name != other.Name {
		return it.Name < other.Name
	}
	if it.FromStudy != other.FromStudy {
		return it.FromStudy < other.FromStudy
	}
	if it.SubjectID != other.SubjectID {
		return it.SubjectID < other.SubjectID
	}
	return it.VisitID < other.VisitID
}

// ContentChecksum returns the provenance checksum contribution of the
// item: the stored content checksum for filesets, or a digest of the
// canonical serialized value for fields. Non-existent items contribute an
// empty string.
func (it Item) ContentChecksum() string {
	if !it.Exists {
		return ""
	}
	if it.Kind == KindFileset {
		return it.Checksum
	}
	return ChecksumBytes([]byte(canonicalValue(it.Value)))
}

// ChecksumBytes returns the hex SHA-256 digest of b, the checksum scheme
// used throughout the engine.
func ChecksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalValue serializes a field value deterministically so equality
// and checksums are stable across int/float JSON round-trips.
func canonicalValue(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
