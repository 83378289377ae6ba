package resolver

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Builder is the descriptor returned for a resolvable target: the script
// that builds it, the name the script should see it as, and the directory
// the script runs in.
type Builder struct {
	// ScriptPath is the absolute path to the build script - resolved via
	// $PATH lookup at resolve time when the Gupfile rule used the "!name"
	// form, otherwise the rule's script name joined onto the Gupfile's
	// directory (or the direct sibling script's own path).
	ScriptPath string

	// TargetName is the name the script sees as argv[2], relative to BaseDir.
	TargetName string

	// BaseDir is the directory the script is invoked in.
	BaseDir string

	// ParentBuilder is set iff ScriptPath was itself resolved as buildable
	// via an exact-match rule in the same Gupfile that named it, so the
	// script can be rebuilt before anything it builds.
	ParentBuilder *Builder
}

// candidate is one entry in the resolution search order: a sibling
// or gup/-mirrored "*.gup" script (direct), or a Gupfile (indirect). The
// candidate file's physical location and the target's logical base
// directory diverge for mirrored candidates, so both are kept: path()
// re-anchors suffix under root/gup/, basedir() does not.
type candidate struct {
	root     string // the ancestor directory the candidate is anchored at
	suffix   string // target path components re-anchored below root
	mirrored bool   // the candidate file lives under root/gup/, not root
	indirect bool   // the candidate is a Gupfile, not a direct *.gup script
	target   string // target name relative to basedir()
}

// path is where the candidate's script-or-Gupfile file would live on disk.
func (c candidate) path() string {
	file := GupfileName
	if !c.indirect {
		file = filepath.Base(c.target) + ".gup"
	}
	parts := []string{c.root}
	if c.mirrored {
		parts = append(parts, "gup")
	}
	if c.suffix != "" {
		parts = append(parts, c.suffix)
	}
	parts = append(parts, file)
	return filepath.Join(parts...)
}

// basedir is the directory c.target is addressed relative to: the
// candidate's anchor with the gup/ mirror component stripped back out.
func (c candidate) basedir() string {
	if c.suffix == "" {
		return c.root
	}
	return filepath.Join(c.root, c.suffix)
}

// splitAbs splits a cleaned absolute path into its non-empty components,
// e.g. "/a/b/c" -> ["a","b","c"].
func splitAbs(absDir string) []string {
	clean := filepath.Clean(absDir)
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	if clean == "." || clean == "" {
		return nil
	}
	return strings.Split(clean, string(filepath.Separator))
}

// ancestorPath rebuilds the absolute path made of the first n components of
// components (the path n levels from the root, along the same chain as
// absDir).
func ancestorPath(components []string, n int) string {
	return string(filepath.Separator) + strings.Join(components[:n], string(filepath.Separator))
}

// possibleGupFiles enumerates every direct then indirect candidate for a
// target named "name" inside directory absDir (already absolute + clean),
// least-fuzzy first, so the most specific candidate wins. Each mirrored
// ancestor is computed directly via path components rather than ".."
// concatenation; the two are equivalent once candidates reach os.Stat.
func possibleGupFiles(absDir, name string) []candidate {
	components := splitAbs(absDir)
	depth := len(components)
	sep := string(filepath.Separator)

	var out []candidate

	// Direct candidates: the target's own directory, then progressively
	// shallower "gup/" mirrors.
	if name != GupfileName && !strings.HasSuffix(name, ".gup") {
		out = append(out, candidate{root: absDir, target: name})
		for i := 0; i <= depth; i++ {
			out = append(out, candidate{
				root:     ancestorPath(components, depth-i),
				suffix:   strings.Join(components[depth-i:], sep),
				mirrored: true,
				target:   name,
			})
		}
	}

	// Indirect candidates: a Gupfile at each ancestor, and its own
	// "gup/"-mirrored variants; "up" (how many target path components the
	// Gupfile's rules address) is the dominant fuzz dimension. The target
	// name grows the consumed components back on, so a Gupfile two levels
	// up matches (and its script is invoked with) "sub/dir/name".
	for up := 0; up <= depth; up++ {
		parentBase := ancestorPath(components, depth-up)
		targetRel := filepath.Join(strings.Join(components[depth-up:], sep), name)
		out = append(out, candidate{root: parentBase, indirect: true, target: targetRel})
		for i := 0; i <= depth-up; i++ {
			out = append(out, candidate{
				root:     ancestorPath(components, depth-up-i),
				suffix:   strings.Join(components[depth-up-i:depth-up], sep),
				mirrored: true,
				indirect: true,
				target:   targetRel,
			})
		}
	}

	return out
}

// gupfileCache avoids re-reading the same Gupfile for every candidate
// sharing it within a single Resolve call.
type gupfileCache map[string]*Gupfile

func (c gupfileCache) load(p string) (*Gupfile, error) {
	if g, ok := c[p]; ok {
		return g, nil
	}
	g, err := loadGupfile(p)
	if err != nil {
		return nil, err
	}
	c[p] = g
	return g, nil
}

// Resolve finds the unique authoritative build script for targetPath,
// returning nil, nil if the target is unbuildable. It returns an error only
// for a user-visible resolution failure: a matching Gupfile rule naming a
// script that does not exist, or a malformed Gupfile.
func Resolve(targetPath string) (*Builder, error) {
	abs, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)
	dir := filepath.Dir(abs)
	name := filepath.Base(abs)

	cache := gupfileCache{}
	for _, c := range possibleGupFiles(dir, name) {
		cpath := c.path()
		info, err := os.Stat(cpath)
		if err != nil || info.IsDir() {
			continue
		}

		if !c.indirect {
			return &Builder{ScriptPath: cpath, TargetName: c.target, BaseDir: c.basedir()}, nil
		}

		g, err := cache.load(cpath)
		if err != nil {
			return nil, fmt.Errorf("resolver: parsing %s: %w", cpath, err)
		}
		exactOnly := name == GupfileName || strings.HasSuffix(name, ".gup")
		script, err := g.builderFor(filepath.ToSlash(c.target), exactOnly)
		if err != nil {
			return nil, fmt.Errorf("resolver: matching %s against %s: %w", c.target, cpath, err)
		}
		if script == "" {
			continue
		}
		return buildFromRule(g, c.basedir(), script, c.target)
	}
	return nil, nil
}

// buildFromRule turns a matched Gupfile rule's script name into a Builder
// for targetRel (the basedir-relative name of whatever is being resolved -
// the originally requested target, or the script itself when called
// recursively to build a parent_builder link), resolving the "!name"
// $PATH-lookup form and detecting the self-buildable parent_builder link.
// basedir is resolved through symlinks when possible; a mirrored basedir
// may not exist yet (the builder mkdirs it), in which case it is used
// as-is.
func buildFromRule(g *Gupfile, basedir, script, targetRel string) (*Builder, error) {
	base := basedir
	if real, err := filepath.EvalSymlinks(basedir); err == nil {
		base = real
	}

	if strings.HasPrefix(script, "!") {
		progname := strings.TrimPrefix(script, "!")
		found, err := exec.LookPath(progname)
		if err != nil {
			return nil, fmt.Errorf("resolver: %s: build command %q not found on $PATH", g.Path, progname)
		}
		return &Builder{ScriptPath: found, TargetName: targetRel, BaseDir: base}, nil
	}

	scriptPath := filepath.Join(g.Dir, script)
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("resolver: %s names builder %q, but %s does not exist", g.Path, script, scriptPath)
	}

	b := &Builder{ScriptPath: scriptPath, TargetName: targetRel, BaseDir: base}

	// A script only gets a parent builder if *another* rule in this same
	// Gupfile names it via an exact (non-wildcard) match.
	selfScript, err := g.builderFor(filepath.ToSlash(script), true)
	if err != nil {
		return nil, err
	}
	if selfScript != "" && selfScript != script {
		parent, err := buildFromRule(g, basedir, selfScript, filepath.Clean(script))
		if err != nil {
			return nil, err
		}
		b.ParentBuilder = parent
	}
	return b, nil
}

// Buildable reports whether targetPath resolves to a builder, matching
// `gup --buildable`'s exit-code contract (true/false; error on a broken
// Gupfile).
func Buildable(targetPath string) (bool, error) {
	b, err := Resolve(targetPath)
	if err != nil {
		return false, err
	}
	return b != nil, nil
}
