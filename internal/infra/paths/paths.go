// Package paths resolves bridge files across the project-local and the
// global installation.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"agentbridge/internal/domain"
)

// Tier identifies which installation a path came from.
type Tier string

const (
	TierLocal  Tier = "local"
	TierGlobal Tier = "global"
)

// Resolved is the outcome of a two-tier lookup.
type Resolved struct {
	Name     string
	Path     string
	Tier     Tier
	Fallback bool // true when the local copy was missing and the global one was used
}

// Notice returns the user-facing fallback notice, or "" for a local hit.
func (r Resolved) Notice() string {
	if !r.Fallback {
		return ""
	}
	return fmt.Sprintf("%s not found in local installation, using global copy at %s", r.Name, r.Path)
}

// Resolver searches LocalDir first and GlobalDir second.
type Resolver struct {
	LocalDir  string
	GlobalDir string
}

// New builds a Resolver. A relative localDir is taken relative to the
// current working directory.
func New(localDir, globalDir string) *Resolver {
	if abs, err := filepath.Abs(localDir); err == nil {
		localDir = abs
	}
	return &Resolver{LocalDir: localDir, GlobalDir: globalDir}
}

// Resolve finds name in the local installation, then the global one.
// Missing in both yields ErrFileNotFound.
func (r *Resolver) Resolve(name string) (Resolved, error) {
	local := filepath.Join(r.LocalDir, name)
	if exists(local) {
		return Resolved{Name: name, Path: local, Tier: TierLocal}, nil
	}
	global := filepath.Join(r.GlobalDir, name)
	if exists(global) {
		return Resolved{Name: name, Path: global, Tier: TierGlobal, Fallback: true}, nil
	}
	return Resolved{Name: name}, domain.NewSubSystemError("paths", "Resolver.Resolve", domain.ErrFileNotFound,
		fmt.Sprintf("%s (searched %s, %s)", name, r.LocalDir, r.GlobalDir))
}

// RuntimeDir returns the directory holding the lock file and the bridge log:
// the local installation when it exists, the global one otherwise. The global
// directory is created on demand.
func (r *Resolver) RuntimeDir() (Resolved, error) {
	if isDir(r.LocalDir) {
		return Resolved{Name: "runtime", Path: r.LocalDir, Tier: TierLocal}, nil
	}
	if err := os.MkdirAll(r.GlobalDir, 0o700); err != nil {
		return Resolved{}, fmt.Errorf("create global dir: %w", err)
	}
	return Resolved{Name: "runtime", Path: r.GlobalDir, Tier: TierGlobal, Fallback: true}, nil
}

// Missing returns which of names are absent from the local installation.
func (r *Resolver) Missing(names []string) []string {
	var out []string
	for _, n := range names {
		if !exists(filepath.Join(r.LocalDir, n)) {
			out = append(out, n)
		}
	}
	return out
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
