// Package pathguard turns caller-supplied path strings into canonical
// absolute paths confined to a set of allowed directories.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/machinefabric/gisgate-go/fault"
)

// Op is the intended use of a validated path.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

const (
	DefaultMaxLength = 4096
	maxDecodePasses  = 3
	maxLinkHops      = 40
)

// Path error subtypes.
const (
	SubtypeEmpty            = "empty"
	SubtypeNullByte         = "null_byte"
	SubtypeTraversal        = "traversal"
	SubtypeOutsideAllowlist = "outside_allowlist"
	SubtypeBadExtension     = "bad_extension"
	SubtypeTooLong          = "too_long"
	SubtypeNotFound         = "not_found"
	SubtypePermission       = "permission"
	SubtypeInvalid          = "invalid"
)

// DeniedExtensions are executable or script types never accepted.
var DeniedExtensions = []string{
	".exe", ".dll", ".so", ".dylib", ".sh", ".bat", ".cmd", ".ps1",
	".vbs", ".js", ".jar", ".app", ".deb", ".rpm", ".msi",
}

// GISExtensions is the default extension allowlist.
var GISExtensions = []string{
	".shp", ".shx", ".dbf", ".prj", ".geojson", ".json", ".kml", ".kmz",
	".gml", ".gpkg", ".tif", ".tiff", ".jpg", ".jpeg", ".png", ".pdf",
	".svg", ".asc", ".grd", ".qgs", ".qgz", ".sqlite", ".db", ".csv", ".txt",
}

// Option configures a Guard.
type Option func(*Guard)

// WithAllowedExtensions replaces the extension allowlist. With no arguments
// any extension not on the denylist is accepted.
func WithAllowedExtensions(exts ...string) Option {
	return func(g *Guard) { g.allow = extSet(exts) }
}

func WithDeniedExtensions(exts ...string) Option {
	return func(g *Guard) { g.deny = extSet(exts) }
}

func WithMaxLength(n int) Option {
	return func(g *Guard) { g.maxLength = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// Guard validates paths against a fixed set of canonical roots.
type Guard struct {
	roots     []string
	allow     map[string]struct{}
	deny      map[string]struct{}
	maxLength int
	logger    *slog.Logger
}

// DefaultRoots returns the home directory, the working directory and the
// system temp directory.
func DefaultRoots() []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd)
	}
	return append(roots, os.TempDir())
}

// New creates a Guard. Every root must exist; roots are resolved through
// symlinks once here so comparisons happen on canonical paths.
func New(roots []string, opts ...Option) (*Guard, error) {
	if len(roots) == 0 {
		roots = DefaultRoots()
	}
	g := &Guard{
		allow:     extSet(GISExtensions),
		deny:      extSet(DeniedExtensions),
		maxLength: DefaultMaxLength,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, root := range roots {
		abs, err := filepath.Abs(expandHome(root))
		if err != nil {
			return nil, fmt.Errorf("allowed directory %q: %w", root, err)
		}
		canon, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("allowed directory %q: %w", root, err)
		}
		g.roots = append(g.roots, canon)
	}
	return g, nil
}

// Roots returns the canonical allowed directories.
func (g *Guard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Validate is ValidateFor with OpRead.
func (g *Guard) Validate(raw string) (string, error) {
	return g.ValidateFor(raw, OpRead)
}

// ValidateFor runs every stage in order and returns the canonical path.
// Returned errors never contain the resolved path.
func (g *Guard) ValidateFor(raw string, op Op) (string, error) {
	canon, err := g.validate(raw, op)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			g.logger.Warn("path rejected", "op", op.String(), "subtype", fe.Subtype)
		}
		return "", err
	}
	return canon, nil
}

func (g *Guard) validate(raw string, op Op) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fault.Path(SubtypeEmpty, "path is empty")
	}
	if len(raw) > g.maxLength {
		return "", fault.Path(SubtypeTooLong, "path is too long")
	}

	s, err := decode(raw)
	if err != nil {
		return "", err
	}
	s = norm.NFKC.String(s)

	if strings.ContainsRune(s, 0) {
		return "", fault.Path(SubtypeNullByte, "path contains a null byte")
	}
	if hasTraversal(s) {
		return "", fault.Path(SubtypeTraversal, "path traversal is not allowed")
	}
	if strings.HasPrefix(s, `\\`) {
		return "", fault.Path(SubtypeInvalid, "UNC paths are not allowed")
	}

	abs, err := filepath.Abs(expandHome(s))
	if err != nil {
		return "", fault.Path(SubtypeInvalid, "path cannot be made absolute")
	}
	canon, err := resolve(abs)
	if err != nil {
		return "", fault.Path(SubtypeInvalid, "path cannot be resolved")
	}

	if !g.within(canon) {
		return "", fault.Path(SubtypeOutsideAllowlist, "path is outside the allowed directories")
	}
	if len(canon) > g.maxLength {
		return "", fault.Path(SubtypeTooLong, "path is too long")
	}

	info, statErr := os.Stat(canon)
	exists := statErr == nil

	ext := strings.ToLower(filepath.Ext(canon))
	if _, bad := g.deny[ext]; bad {
		return "", fault.Path(SubtypeBadExtension, fmt.Sprintf("file type %q is not allowed", ext))
	}
	isDir := exists && info.IsDir()
	if len(g.allow) > 0 && !isDir {
		if _, ok := g.allow[ext]; !ok {
			return "", fault.Path(SubtypeBadExtension, fmt.Sprintf("file type %q is not allowed", ext))
		}
	}

	switch op {
	case OpRead:
		if !exists {
			return "", fault.Path(SubtypeNotFound, "path does not exist")
		}
		if !canRead(canon) {
			return "", fault.Path(SubtypePermission, "no read permission")
		}
	case OpWrite:
		if exists {
			if !canWrite(canon) {
				return "", fault.Path(SubtypePermission, "no write permission")
			}
			break
		}
		parent := filepath.Dir(canon)
		if st, err := os.Stat(parent); err != nil || !st.IsDir() {
			return "", fault.Path(SubtypeNotFound, "parent directory does not exist")
		}
		if !canWrite(parent) {
			return "", fault.Path(SubtypePermission, "no write permission on parent directory")
		}
	}
	return canon, nil
}

func (g *Guard) within(canon string) bool {
	for _, root := range g.roots {
		rel, err := filepath.Rel(root, canon)
		if err != nil || filepath.IsAbs(rel) {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// decode strips percent-encoding until the string is stable, so double
// encoded sequences like %252e cannot smuggle a traversal past later stages.
func decode(s string) (string, error) {
	for i := 0; i < maxDecodePasses; i++ {
		d, err := url.PathUnescape(s)
		if err != nil {
			return "", fault.Path(SubtypeInvalid, "malformed percent-encoding")
		}
		if d == s {
			return s, nil
		}
		s = d
	}
	if strings.Contains(s, "%") {
		if d, err := url.PathUnescape(s); err == nil && d != s {
			return "", fault.Path(SubtypeInvalid, "path is encoded too many times")
		}
	}
	return s, nil
}

func hasTraversal(s string) bool {
	for _, seg := range strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func expandHome(s string) string {
	if s != "~" && !strings.HasPrefix(s, "~/") {
		return s
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	return filepath.Join(home, strings.TrimPrefix(s, "~"))
}

// resolve follows symlinks. For paths that do not exist yet the deepest
// existing ancestor is resolved and the remainder appended. A missing
// component that is itself a dangling symlink is replaced by its target, so
// the result names the file a later create would actually open.
func resolve(abs string) (string, error) {
	for hops := 0; hops <= maxLinkHops; hops++ {
		base, missing, err := deepestExisting(abs)
		if err != nil {
			return "", err
		}
		if len(missing) == 0 {
			return base, nil
		}
		head := filepath.Join(base, missing[0])
		fi, err := os.Lstat(head)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{base}, missing...)...), nil
		}
		if err != nil {
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink == 0 {
			return "", fmt.Errorf("cannot resolve below %s", filepath.Base(head))
		}
		target, err := os.Readlink(head)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(base, target)
		}
		abs = filepath.Join(append([]string{target}, missing[1:]...)...)
	}
	return "", errors.New("too many levels of symbolic links")
}

// deepestExisting resolves the longest existing prefix of abs and returns the
// components below it.
func deepestExisting(abs string) (string, []string, error) {
	var missing []string
	dir := abs
	for {
		canon, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return canon, missing, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, missing, nil
		}
		missing = append([]string{filepath.Base(dir)}, missing...)
		dir = parent
	}
}

func extSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}
