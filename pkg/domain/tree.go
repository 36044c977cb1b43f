package domain

import "sort"

// Session is the leaf node of the study hierarchy: one (subject, visit)
// pair and the per-session items acquired or derived at it.
type Session struct {
	SubjectID string `json:"subject_id"`
	VisitID   string `json:"visit_id"`
	Filesets  []Item `json:"filesets,omitempty"`
	Fields    []Item `json:"fields,omitempty"`
}

// Subject groups a subject's sessions together with per-subject summary
// items.
type Subject struct {
	ID       string    `json:"id"`
	Sessions []Session `json:"sessions,omitempty"`
	Filesets []Item    `json:"filesets,omitempty"`
	Fields   []Item    `json:"fields,omitempty"`
}

// Visit groups the sessions of one visit across subjects together with
// per-visit summary items.
type Visit struct {
	ID       string    `json:"id"`
	Sessions []Session `json:"sessions,omitempty"`
	Filesets []Item    `json:"filesets,omitempty"`
	Fields   []Item    `json:"fields,omitempty"`
}

// Tree is a snapshot of a repository's study hierarchy. It is assembled
// by a storage backend and treated as immutable by the engine; after any
// execution phase the snapshot must be discarded and re-fetched.
type Tree struct {
	Subjects []Subject `json:"subjects,omitempty"`
	Visits   []Visit   `json:"visits,omitempty"`
	Filesets []Item    `json:"filesets,omitempty"`
	Fields   []Item    `json:"fields,omitempty"`
}

// Sessions returns all sessions ordered by subject then visit ID.
func (t Tree) Sessions() []Session {
	var out []Session
	for _, s := range t.Subjects {
		out = append(out, s.Sessions...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].VisitID < out[j].VisitID
	})
	return out
}

// SubjectIDs returns the sorted subject identifiers present in the tree.
func (t Tree) SubjectIDs() []string {
	ids := make([]string, 0, len(t.Subjects))
	for _, s := range t.Subjects {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// VisitIDs returns the sorted visit identifiers present in the tree.
func (t Tree) VisitIDs() []string {
	ids := make([]string, 0, len(t.Visits))
	for _, v := range t.Visits {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return ids
}

// Session locates the session for a (subject, visit) pair.
func (t Tree) Session(subjectID, visitID string) (Session, bool) {
	for _, s := range t.Subjects {
		if s.ID != subjectID {
			continue
		}
		for _, sess := range s.Sessions {
			if sess.VisitID == visitID {
				return sess, true
			}
		}
	}
	return Session{}, false
}

// Subject locates a subject node by ID.
func (t Tree) Subject(id string) (Subject, bool) {
	for _, s := range t.Subjects {
		if s.ID == id {
			return s, true
		}
	}
	return Subject{}, false
}

// Visit locates a visit node by ID.
func (t Tree) Visit(id string) (Visit, bool) {
	for _, v := range t.Visits {
		if v.ID == id {
			return v, true
		}
	}
	return Visit{}, false
}

// IncompleteSubjects returns subjects missing one or more of the visits
// present elsewhere in the tree. Summary-frequency outputs cannot be
// aggregated safely while any subject is incomplete.
func (t Tree) IncompleteSubjects() []Subject {
	visitIDs := t.VisitIDs()
	var out []Subject
	for _, s := range t.Subjects {
		have := make(map[string]bool, len(s.Sessions))
		for _, sess := range s.Sessions {
			have[sess.VisitID] = true
		}
		for _, vid := range visitIDs {
			if !have[vid] {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// DataNames lists the distinct item names present at the session,
// cheap-existence-check style.
func (s Session) DataNames() []string {
	return itemNames(s.Filesets, s.Fields)
}

// DataNames lists the distinct per-subject item names.
func (s Subject) DataNames() []string {
	return itemNames(s.Filesets, s.Fields)
}

// DataNames lists the distinct per-visit item names.
func (v Visit) DataNames() []string {
	return itemNames(v.Filesets, v.Fields)
}

// DataNames lists the distinct per-study item names.
func (t Tree) DataNames() []string {
	return itemNames(t.Filesets, t.Fields)
}

func itemNames(filesets, fields []Item) []string {
	seen := make(map[string]bool, len(filesets)+len(fields))
	var names []string
	for _, it := range filesets {
		if !seen[it.Name] {
			seen[it.Name] = true
			names = append(names, it.Name)
		}
	}
	for _, it := range fields {
		if !seen[it.Name] {
			seen[it.Name] = true
			names = append(names, it.Name)
		}
	}
	sort.Strings(names)
	return names
}
