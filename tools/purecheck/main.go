// Package main implements an import restriction linter for the pure
// packages.
//
// The graph model, overlay resolver, compiler and simulator must stay free
// of I/O: no database drivers, HTTP, Redis, cloud SDKs or the versioning
// layer that wraps them. This tool scans their non-test files and fails on
// any forbidden import.
//
// Usage:
//
//	go run ./tools/purecheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// purePackages are checked relative to the project root.
var purePackages = []string{
	"pkg/canonicalize",
	"pkg/graph",
	"pkg/overlay",
	"pkg/policy",
	"pkg/simulation",
}

// Forbidden import path fragments.
var forbiddenFragments = []string{
	"database/sql",
	"net/http",
	"github.com/lib/pq",
	"modernc.org/sqlite",
	"github.com/redis/",
	"github.com/aws/",
	"cloud.google.com/",
	"workgraph/pkg/versioning",
	"workgraph/pkg/api",
	"workgraph/pkg/artifacts",
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	violations, err := check(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	for _, v := range violations {
		fmt.Printf("PURITY VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		fmt.Printf("\n❌ %d purity violation(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("✅ purity check passed")
}

// check returns one line per forbidden import found under root.
func check(root string) ([]string, error) {
	var violations []string
	fset := token.NewFileSet()

	for _, pkg := range purePackages {
		dir := filepath.Join(root, filepath.FromSlash(pkg))
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range forbiddenFragments {
					if strings.Contains(importPath, frag) {
						pos := fset.Position(imp.Pos())
						rel, _ := filepath.Rel(root, pos.Filename)
						violations = append(violations,
							fmt.Sprintf("%s:%d imports %q (forbidden: %q)", filepath.ToSlash(rel), pos.Line, importPath, frag))
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return violations, nil
}
