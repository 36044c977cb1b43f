// Command validate_layering enforces the repository's import layering:
// public packages under pkg/ must not depend on internal/, and only the
// repository factory may import concrete storage backends. Run from the
// repository root in CI.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

const (
	modulePath    = "studycore"
	internalTree  = modulePath + "/internal/"
	backendTree   = modulePath + "/internal/infra/repository/"
	factoryPkg    = modulePath + "/internal/infra/repository"
	publicTree    = modulePath + "/pkg/"
	defaultTarget = modulePath + "/..."
)

var (
	exitFunc = os.Exit
	loadFunc = loadPackages
)

func main() {
	exitFunc(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) == 0 {
		return 1
	}
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.SetOutput(stderr)
	target := flags.String("target", defaultTarget, "package pattern to validate")
	if err := flags.Parse(args[1:]); err != nil {
		return 1
	}
	pkgs, err := loadFunc(*target)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load packages: %v\n", err)
		return 1
	}
	violations := checkLayering(pkgs)
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stderr, "Found %d layering violations:\n\n", len(violations))
		for _, v := range violations {
			_, _ = fmt.Fprintln(stderr, v)
		}
		return 1
	}
	return 0
}

// pkgInfo is the subset of package metadata the checks need.
type pkgInfo struct {
	Path    string
	Imports []string
}

func loadPackages(target string) ([]pkgInfo, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	loaded, err := packages.Load(cfg, target)
	if err != nil {
		return nil, err
	}
	out := make([]pkgInfo, 0, len(loaded))
	for _, pkg := range loaded {
		info := pkgInfo{Path: pkg.PkgPath}
		for importPath := range pkg.Imports {
			info.Imports = append(info.Imports, importPath)
		}
		sort.Strings(info.Imports)
		out = append(out, info)
	}
	return out, nil
}

func checkLayering(pkgs []pkgInfo) []string {
	var violations []string
	for _, pkg := range pkgs {
		for _, importPath := range pkg.Imports {
			if strings.HasPrefix(pkg.Path, publicTree) && strings.HasPrefix(importPath, internalTree) {
				violations = append(violations,
					fmt.Sprintf("%s: public package imports internal package %s", pkg.Path, importPath))
			}
			if importsBackend(importPath) && !mayImportBackend(pkg.Path) {
				violations = append(violations,
					fmt.Sprintf("%s: imports storage backend %s directly; depend on repoapi instead", pkg.Path, importPath))
			}
		}
	}
	sort.Strings(violations)
	return violations
}

func importsBackend(importPath string) bool {
	return strings.HasPrefix(importPath, backendTree)
}

func mayImportBackend(pkgPath string) bool {
	return pkgPath == factoryPkg ||
		strings.HasPrefix(pkgPath, backendTree) ||
		strings.HasPrefix(pkgPath, modulePath+"/cmd/")
}
