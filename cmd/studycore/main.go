// Command studycore inspects a derivation repository: it prints the
// study hierarchy and the stored provenance records. The storage backend
// is selected via STUDYCORE_* environment variables (see the repository
// package). Derivation itself is driven from Go code, where pipelines
// and their operations are registered.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"studycore/internal/infra/repository"
	"studycore/pkg/domain"
	"studycore/pkg/repoapi"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("studycore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var subjects, visits string
	fs.StringVar(&subjects, "subjects", "", "comma-separated subject IDs to restrict to")
	fs.StringVar(&visits, "visits", "", "comma-separated visit IDs to restrict to")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: studycore [flags] tree|records")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	ctx := context.Background()
	repo, err := repository.OpenFromEnv(ctx, domain.NewFormatRegistry())
	if err != nil {
		fmt.Fprintf(stderr, "open repository: %v\n", err)
		return 1
	}
	switch fs.Arg(0) {
	case "tree":
		err = printTree(ctx, stdout, repo, splitList(subjects), splitList(visits))
	case "records":
		err = printRecords(ctx, stdout, repo, splitList(subjects), splitList(visits))
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printTree(ctx context.Context, w io.Writer, repo repoapi.Repository, subjects, visits []string) error {
	tree, err := repo.Tree(ctx, subjects, visits)
	if err != nil {
		return fmt.Errorf("enumerate tree: %w", err)
	}
	if names := tree.DataNames(); len(names) > 0 {
		fmt.Fprintf(w, "study: %s\n", strings.Join(names, ", "))
	}
	for _, sub := range tree.Subjects {
		fmt.Fprintf(w, "subject %s\n", sub.ID)
		if names := sub.DataNames(); len(names) > 0 {
			fmt.Fprintf(w, "  summary: %s\n", strings.Join(names, ", "))
		}
		for _, sess := range sub.Sessions {
			fmt.Fprintf(w, "  visit %s: %s\n", sess.VisitID, strings.Join(sess.DataNames(), ", "))
		}
	}
	for _, v := range tree.Visits {
		if names := v.DataNames(); len(names) > 0 {
			fmt.Fprintf(w, "visit %s summary: %s\n", v.ID, strings.Join(names, ", "))
		}
	}
	return nil
}

// recordLister is implemented by backends that can enumerate their
// stored provenance keys.
type recordLister interface {
	RecordKeys(ctx context.Context) ([]repoapi.RecordKey, error)
}

func printRecords(ctx context.Context, w io.Writer, repo repoapi.Repository, subjects, visits []string) error {
	lister, ok := repo.(recordLister)
	if !ok {
		return fmt.Errorf("backend does not support record enumeration")
	}
	keys, err := lister.RecordKeys(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	subjectScope := toSet(subjects)
	visitScope := toSet(visits)
	for _, key := range keys {
		if subjectScope != nil && key.SubjectID != "" && !subjectScope[key.SubjectID] {
			continue
		}
		if visitScope != nil && key.VisitID != "" && !visitScope[key.VisitID] {
			continue
		}
		rec, err := repo.GetRecord(ctx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", data)
	}
	return nil
}

func toSet(ids []string) map[string]bool {
	if ids == nil {
		return nil
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
