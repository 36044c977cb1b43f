package s3

import (
	"sort"
	"strings"

	"studycore/pkg/domain"
)

// treeBuilder accumulates parsed objects and assembles the hierarchy
// snapshot once listing completes. Directory-format filesets surface as
// several objects sharing one item name; their checksums are combined
// into a single digest.
type treeBuilder struct {
	filesets map[string]domain.Item
	sums     map[string][]string
	fields   []domain.Item
	sessions map[[2]string]bool
}

func newTreeBuilder() *treeBuilder {
	return &treeBuilder{
		filesets: map[string]domain.Item{},
		sums:     map[string][]string{},
		sessions: map[[2]string]bool{},
	}
}

func identity(it domain.Item) string {
	return strings.Join([]string{string(it.Frequency), it.SubjectID, it.VisitID, it.FromStudy, it.Name}, "\x1f")
}

func (b *treeBuilder) addFileset(loc location, it domain.Item) {
	b.markNode(loc)
	id := identity(it)
	b.sums[id] = append(b.sums[id], it.Checksum)
	if _, ok := b.filesets[id]; !ok {
		b.filesets[id] = it
	}
}

func (b *treeBuilder) addFields(loc location, items []domain.Item) {
	b.markNode(loc)
	b.fields = append(b.fields, items...)
}

func (b *treeBuilder) markNode(loc location) {
	if loc.frequency == domain.PerSession {
		b.sessions[[2]string{loc.subjectID, loc.visitID}] = true
	}
}

func (b *treeBuilder) tree() domain.Tree {
	sessions := map[[2]string]*domain.Session{}
	subjects := map[string]*domain.Subject{}
	visits := map[string]*domain.Visit{}
	var tree domain.Tree

	ensureSubject := func(id string) *domain.Subject {
		if sub, ok := subjects[id]; ok {
			return sub
		}
		sub := &domain.Subject{ID: id}
		subjects[id] = sub
		return sub
	}
	ensureVisit := func(id string) *domain.Visit {
		if v, ok := visits[id]; ok {
			return v
		}
		v := &domain.Visit{ID: id}
		visits[id] = v
		return v
	}
	ensureSession := func(subjectID, visitID string) *domain.Session {
		key := [2]string{subjectID, visitID}
		if sess, ok := sessions[key]; ok {
			return sess
		}
		ensureSubject(subjectID)
		ensureVisit(visitID)
		sess := &domain.Session{SubjectID: subjectID, VisitID: visitID}
		sessions[key] = sess
		return sess
	}
	for key := range b.sessions {
		ensureSession(key[0], key[1])
	}

	place := func(it domain.Item) {
		switch it.Frequency {
		case domain.PerSession:
			sess := ensureSession(it.SubjectID, it.VisitID)
			if it.Kind == domain.KindFileset {
				sess.Filesets = append(sess.Filesets, it)
			} else {
				sess.Fields = append(sess.Fields, it)
			}
		case domain.PerSubject:
			sub := ensureSubject(it.SubjectID)
			if it.Kind == domain.KindFileset {
				sub.Filesets = append(sub.Filesets, it)
			} else {
				sub.Fields = append(sub.Fields, it)
			}
		case domain.PerVisit:
			v := ensureVisit(it.VisitID)
			if it.Kind == domain.KindFileset {
				v.Filesets = append(v.Filesets, it)
			} else {
				v.Fields = append(v.Fields, it)
			}
		case domain.PerStudy:
			if it.Kind == domain.KindFileset {
				tree.Filesets = append(tree.Filesets, it)
			} else {
				tree.Fields = append(tree.Fields, it)
			}
		}
	}

	for _, id := range sortedKeys(b.filesets) {
		it := b.filesets[id]
		if sums := b.sums[id]; len(sums) > 1 {
			sort.Strings(sums)
			it.Checksum = domain.ChecksumBytes([]byte(strings.Join(sums, "\n")))
		}
		place(it)
	}
	sorted := append([]domain.Item(nil), b.fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	for _, it := range sorted {
		place(it)
	}

	sessionKeys := make([][2]string, 0, len(sessions))
	for key := range sessions {
		sessionKeys = append(sessionKeys, key)
	}
	sort.Slice(sessionKeys, func(i, j int) bool {
		if sessionKeys[i][0] != sessionKeys[j][0] {
			return sessionKeys[i][0] < sessionKeys[j][0]
		}
		return sessionKeys[i][1] < sessionKeys[j][1]
	})
	for _, key := range sessionKeys {
		sess := *sessions[key]
		subjects[key[0]].Sessions = append(subjects[key[0]].Sessions, sess)
		visits[key[1]].Sessions = append(visits[key[1]].Sessions, sess)
	}
	for _, id := range sortedKeys(subjects) {
		tree.Subjects = append(tree.Subjects, *subjects[id])
	}
	for _, id := range sortedKeys(visits) {
		tree.Visits = append(tree.Visits, *visits[id])
	}
	return tree
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
