// Package domain defines the core value types of the derivation engine:
// aggregation frequencies, data items and collections, spec declarations,
// the storage tree snapshot, file formats, provenance records, and the
// error taxonomy shared by all layers.
package domain

import "fmt"

// Frequency is the aggregation granularity of a data item within the
// study hierarchy (study -> subject -> visit -> session).
type Frequency string

// Canonical frequencies. They determine which identifier axes apply to an
// item and how a Collection indexes its members.
const (
	// PerSession items exist once per (subject, visit) pair.
	PerSession Frequency = "per_session"
	// PerSubject items aggregate over a subject's visits.
	PerSubject Frequency = "per_subject"
	// PerVisit items aggregate over the subjects of a visit.
	PerVisit Frequency = "per_visit"
	// PerStudy items aggregate over the whole study tree.
	PerStudy Frequency = "per_study"
)

// Frequencies lists all valid frequencies from finest to coarsest.
func Frequencies() []Frequency {
	return []Frequency{PerSession, PerSubject, PerVisit, PerStudy}
}

// Valid reports whether f is one of the canonical frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case PerSession, PerSubject, PerVisit, PerStudy:
		return true
	}
	return false
}

// UsesSubject reports whether the subject identifier axis is meaningful
// for items of this frequency.
func (f Frequency) UsesSubject() bool {
	return f == PerSession || f == PerSubject
}

// UsesVisit reports whether the visit identifier axis is meaningful for
// items of this frequency.
func (f Frequency) UsesVisit() bool {
	return f == PerSession || f == PerVisit
}

// CheckIDs validates that the supplied identifiers are consistent with the
// frequency's axes: required axes must be non-empty and unused axes empty.
func (f Frequency) CheckIDs(subjectID, visitID string) error {
	if !f.Valid() {
		return Usagef("invalid frequency %q", string(f))
	}
	if f.UsesSubject() && subjectID == "" {
		return Usagef("frequency %s requires a subject ID", f)
	}
	if !f.UsesSubject() && subjectID != "" {
		return Usagef("frequency %s does not take a subject ID (got %q)", f, subjectID)
	}
	if f.UsesVisit() && visitID == "" {
		return Usagef("frequency %s requires a visit ID", f)
	}
	if !f.UsesVisit() && visitID != "" {
		return Usagef("frequency %s does not take a visit ID (got %q)", f, visitID)
	}
	return nil
}

// String implements fmt.Stringer.
func (f Frequency) String() string { return string(f) }

var _ fmt.Stringer = Frequency("")
