package frontend

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/tools/go/packages"
)

// defaultLoadMode is the packages.Mode needed for SSA construction.
// NeedTypesInfo is the expensive part, but flow graph building requires
// fully type-checked syntax.
const defaultLoadMode = packages.NeedDeps |
	packages.NeedName |
	packages.NeedFiles |
	packages.NeedCompiledGoFiles |
	packages.NeedImports |
	packages.NeedTypes |
	packages.NeedSyntax |
	packages.NeedTypesInfo

// LoaderOptions configures package loading.
type LoaderOptions struct {
	// Patterns are the package patterns to load. Empty means "./...".
	Patterns []string

	// BuildTags are build tags to apply during loading.
	BuildTags []string

	// Dir is the directory to load from. Empty means the working
	// directory.
	Dir string
}

// LoadPackages loads the closed world under analysis. Any package error is
// fatal: the analysis assumes a fully resolved universe and cannot run over
// partial type information.
func LoadPackages(ctx context.Context, opts LoaderOptions) ([]*packages.Package, error) {
	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	cfg := &packages.Config{
		Context: ctx,
		Mode:    defaultLoadMode,
		Dir:     opts.Dir,
	}
	if len(opts.BuildTags) > 0 {
		cfg.BuildFlags = append(cfg.BuildFlags, "-tags", strings.Join(opts.BuildTags, ","))
	}

	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found matching patterns: %v", patterns)
	}

	var errorMessages []string
	for _, pkg := range pkgs {
		for _, err := range pkg.Errors {
			errorMessages = append(errorMessages, fmt.Sprintf("package %s: %v", pkg.PkgPath, err))
		}
	}
	if len(errorMessages) > 0 {
		return nil, fmt.Errorf("package errors:\n%s", strings.Join(errorMessages, "\n"))
	}
	return pkgs, nil
}
