// Package state implements gup's on-disk dependency records: the
// .gup/<target>.deps file format (schema version 3), its atomic
// write-then-rename update protocol, and the Store that guards it with the
// locks from internal/lockfile.
package state

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gup-build/gup/internal/lockfile"
	"github.com/gup-build/gup/internal/pathutil"
)

// MetaDir is the name of the per-directory metadata directory, ".gup".
const MetaDir = ".gup"

// FormatVersion is the schema version written to the "version:" line; a
// stored file with any other version is treated as absent (dirty).
const FormatVersion = 3

// Kind identifies which tagged record a Rule came from.
type Kind int

const (
	KindFile Kind = iota
	KindBuilder
	KindAlways
)

func (k Kind) tag() string {
	switch k {
	case KindFile:
		return "file:"
	case KindBuilder:
		return "builder:"
	case KindAlways:
		return "always:"
	default:
		panic("state: unknown kind")
	}
}

// Rule is one dirtiness-relevant record: a file: or builder: dependency
// (Path relative to the target's directory, Mtime/Checksum as last
// recorded), or an always: marker (Path/Mtime/Checksum unused).
type Rule struct {
	Kind     Kind
	Mtime    *int64 // nil serializes as "-": declared via --ifcreate, meaning "must not yet exist"
	Checksum string // "" serializes as "-": no checksum recorded for this dependency
	Path     string
}

func (r Rule) fields() []string {
	mtime := "-"
	if r.Mtime != nil {
		mtime = strconv.FormatInt(*r.Mtime, 10)
	}
	cs := r.Checksum
	if cs == "" {
		cs = "-"
	}
	return []string{mtime, cs, r.Path}
}

func (r Rule) line() string {
	if r.Kind == KindAlways {
		return "always:"
	}
	return r.Kind.tag() + " " + strings.Join(r.fields(), " ")
}

// Deps is the parsed contents of a target's .deps file.
type Deps struct {
	TargetPath string
	RunID      string
	Checksum   string // the target's own declared content checksum, set via --contents
	Clobbers   bool
	BuiltMtime *int64
	HasBuilt   bool
	Rules      []Rule
}

// Store is the on-disk metadata for one target.
type Store struct {
	TargetPath string

	depLock  *lockfile.Lock
	deps2Loc *lockfile.Lock
}

func Open(targetPath string) *Store {
	return &Store{TargetPath: targetPath}
}

// MetaPath returns <dir>/.gup/<name>.<ext> for the store's target.
func (s *Store) MetaPath(ext string) string {
	dir, name := filepath.Split(s.TargetPath)
	return filepath.Join(dir, MetaDir, name+"."+ext)
}

func (s *Store) ensureMetaPath(ext string) (string, error) {
	p := s.MetaPath(ext)
	if err := pathutil.Mkdirp(filepath.Dir(p)); err != nil {
		return "", err
	}
	return p, nil
}

// OutputPath returns this target's own deterministic staging path
// (<dir>/.gup/<name>.out), creating the .gup metadata directory if needed.
// A builder writes here before its output is atomically renamed over the
// target. Being per-target rather than per-invocation means a stale
// leftover from an interrupted build can be cleaned up by name, without
// touching a concurrently running sibling build's own staging file.
func (s *Store) OutputPath() (string, error) {
	return s.ensureMetaPath("out")
}

func (s *Store) depLockfile() *lockfile.Lock {
	if s.depLock == nil {
		s.depLock = lockfile.New(s.MetaPath("deps.lock"))
	}
	return s.depLock
}

// BuiltTargets returns the target basenames that have .deps metadata
// stored in the .gup directory at dir.
func BuiltTargets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".deps"); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Load reads the stored dependency record for this target, returning
// nil,nil if there is none, or if it is unreadable/from an incompatible
// schema version - callers treat a nil Deps as "dirty".
func (s *Store) Load() (*Deps, error) {
	depsPath := s.MetaPath("deps")
	if !pathutil.Exists(depsPath) {
		return nil, nil
	}

	release, err := s.depLockfile().Read()
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := os.Open(depsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	d, err := Parse(s.TargetPath, f)
	if err != nil {
		return nil, nil // incompatible version or corrupt file: treat as dirty
	}
	return d, nil
}

// AddDependency appends one record to the target's .deps2 write-ahead log
// under an exclusive lock. This is used by the buildscript-facing actions
// --always and --ifcreate, and by a recursive `gup -u` recording a file:
// dependency on its parent target, to record a fact about the in-progress
// build outside PerformBuild's own header/footer writes. The checksum: and
// clobbers: records go through AddChecksum and MarkClobbers instead.
func (s *Store) AddDependency(r Rule) error {
	if s.deps2Loc == nil {
		s.deps2Loc = lockfile.New(s.MetaPath("deps2.lock"))
	}
	release, err := s.deps2Loc.Write()
	if err != nil {
		return err
	}
	defer release()

	p, err := s.ensureMetaPath("deps2")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(r.line() + "\n")
	return err
}

// MarkClobbers appends a clobbers: record, recording that this target's
// builder wrote to the target path directly instead of through the
// staging file.
func (s *Store) MarkClobbers() error {
	return s.appendRaw("clobbers:")
}

// AddChecksum appends a checksum: record, declaring cs as this target's
// own content checksum - used by `gup --contents`.
func (s *Store) AddChecksum(cs string) error {
	return s.appendRaw("checksum: " + cs)
}

func (s *Store) appendRaw(line string) error {
	if s.deps2Loc == nil {
		s.deps2Loc = lockfile.New(s.MetaPath("deps2.lock"))
	}
	release, err := s.deps2Loc.Write()
	if err != nil {
		return err
	}
	defer release()
	p, err := s.ensureMetaPath("deps2")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// PerformBuild performs the full build bookkeeping protocol under an
// exclusive deps.lock: it re-checks whether the target was already built
// this run (a no-op if so), writes the version/run/builder header to
// .deps2, invokes doBuild with the prior stored Deps (nil if none), and on
// success appends a built: record and atomically renames .deps2 over
// .deps. On error the half-written .deps2 is discarded.
func (s *Store) PerformBuild(builderExePath, runID string, doBuild func(prior *Deps) (bool, error)) (bool, error) {
	if _, err := s.ensureMetaPath("deps.lock"); err != nil {
		return false, err
	}
	release, err := s.depLockfile().Write()
	if err != nil {
		return false, err
	}
	defer release()

	prior, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	if prior != nil && prior.RunID == runID {
		return false, nil
	}

	builderMtime, _ := pathutil.GetMtime(builderExePath)
	relBuilder, err := filepath.Rel(filepath.Dir(s.TargetPath), builderExePath)
	if err != nil {
		relBuilder = builderExePath
	}

	temp, err := s.ensureMetaPath("deps2")
	if err != nil {
		return false, err
	}
	if err := writeHeader(temp, runID, relBuilder, builderMtime); err != nil {
		return false, err
	}

	built, buildErr := doBuild(prior)
	if buildErr != nil {
		os.Remove(temp)
		return false, buildErr
	}
	if !built {
		os.Remove(temp)
		return false, nil
	}

	if mtime, ok := pathutil.GetMtime(s.TargetPath); ok {
		f, err := os.OpenFile(temp, os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "built: %d\n", mtime)
			f.Close()
		}
	}
	return true, pathutil.RenameAtomic(temp, s.MetaPath("deps"))
}

// loadLocked reads .deps assuming depLock is already held exclusively.
func (s *Store) loadLocked() (*Deps, error) {
	depsPath := s.MetaPath("deps")
	f, err := os.Open(depsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	d, err := Parse(s.TargetPath, f)
	if err != nil {
		return nil, nil
	}
	return d, nil
}

func writeHeader(path, runID, builderRelPath string, builderMtime int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "version: %d\n", FormatVersion); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "run: %s\n", runID); err != nil {
		return err
	}
	r := Rule{Kind: KindBuilder, Mtime: &builderMtime, Path: builderRelPath}
	_, err = fmt.Fprintln(f, r.line())
	return err
}

// Parse reads a .deps stream for target, returning an error if the version
// line is missing or does not match FormatVersion.
func Parse(target string, r io.Reader) (*Deps, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return nil, fmt.Errorf("state: empty deps file")
	}
	versionLine := sc.Text()
	const prefix = "version: "
	if !strings.HasPrefix(versionLine, prefix) {
		return nil, fmt.Errorf("state: missing version line")
	}
	v, err := strconv.Atoi(strings.TrimPrefix(versionLine, prefix))
	if err != nil {
		return nil, fmt.Errorf("state: invalid version line: %w", err)
	}
	if v != FormatVersion {
		return nil, fmt.Errorf("state: unsupported schema version %d", v)
	}

	d := &Deps{TargetPath: target}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := applyLine(d, line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func applyLine(d *Deps, line string) error {
	switch {
	case strings.HasPrefix(line, "run: "):
		d.RunID = strings.TrimPrefix(line, "run: ")
	case strings.HasPrefix(line, "checksum: "):
		d.Checksum = strings.TrimPrefix(line, "checksum: ")
	case line == "clobbers:":
		d.Clobbers = true
	case strings.HasPrefix(line, "built: "):
		mt, err := strconv.ParseInt(strings.TrimPrefix(line, "built: "), 10, 64)
		if err != nil {
			return fmt.Errorf("state: invalid built: line: %w", err)
		}
		d.BuiltMtime = &mt
		d.HasBuilt = true
	case line == "always:":
		d.Rules = append(d.Rules, Rule{Kind: KindAlways})
	case strings.HasPrefix(line, "file: "):
		r, err := parseFileLike(KindFile, strings.TrimPrefix(line, "file: "))
		if err != nil {
			return err
		}
		d.Rules = append(d.Rules, r)
	case strings.HasPrefix(line, "builder: "):
		r, err := parseFileLike(KindBuilder, strings.TrimPrefix(line, "builder: "))
		if err != nil {
			return err
		}
		d.Rules = append(d.Rules, r)
	default:
		return fmt.Errorf("state: unknown dependency line: %q", line)
	}
	return nil
}

func parseFileLike(kind Kind, rest string) (Rule, error) {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) != 3 {
		return Rule{}, fmt.Errorf("state: malformed %s record: %q", kind.tag(), rest)
	}
	r := Rule{Kind: kind, Path: fields[2]}
	if fields[0] != "-" {
		mt, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Rule{}, fmt.Errorf("state: invalid mtime field: %w", err)
		}
		r.Mtime = &mt
	}
	if fields[1] != "-" {
		r.Checksum = fields[1]
	}
	return r, nil
}

// ChecksumFiles hashes the concatenated contents of files with SHA-1, in
// argument order.
func ChecksumFiles(files []string) (string, error) {
	h := sha1.New()
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ChecksumStream hashes r with SHA-1 (used for `gup --contents` reading
// stdin).
func ChecksumStream(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
