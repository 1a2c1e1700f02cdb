package paths

import "strings"

// Split breaks a path into its non-empty segments.
func Split(p string) []string {
	parts := strings.Split(p, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// Join rebuilds a rooted path from segments. A trailing slash is appended
// only for directories with at least one segment.
func Join(segments []string, isDir bool) string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(strings.Join(segments, "/"))
	if isDir && len(segments) > 0 {
		b.WriteByte('/')
	}
	return b.String()
}

// Normalize canonicalizes p, treating it as a directory if it ends with a slash.
func Normalize(p string) string {
	return NormalizeAs(p, strings.HasSuffix(p, "/"))
}

// NormalizeAs canonicalizes p with an explicit directory flag.
func NormalizeAs(p string, isDir bool) string {
	return Join(Split(p), isDir)
}

// Path is an immutable normalized path.
type Path struct {
	segments []string
	dir      bool
}

// Root is the empty directory path "/".
var Root = Path{dir: true}

// Parse builds a Path, inferring the directory flag from a trailing slash.
func Parse(p string) Path {
	return New(Split(p), strings.HasSuffix(p, "/"))
}

// New builds a Path from segments. Empty segments are dropped.
func New(segments []string, isDir bool) Path {
	clean := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			clean = append(clean, s)
		}
	}
	return Path{segments: clean, dir: isDir}
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

// IsDir reports whether p is in directory form.
func (p Path) IsDir() bool {
	return p.dir
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

func (p Path) String() string {
	return Join(p.segments, p.dir)
}

// Equal reports whether p and o have the same segments and directory flag.
func (p Path) Equal(o Path) bool {
	if p.dir != o.dir || len(p.segments) != len(o.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// Parent returns the directory containing p. The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.segments) == 0 {
		return Root
	}
	return Path{segments: p.segments[:len(p.segments)-1], dir: true}
}

// Ancestors returns every directory above p, from the topmost one down to the
// immediate parent. The root itself is not included.
func (p Path) Ancestors() []Path {
	if len(p.segments) < 2 {
		return nil
	}
	out := make([]Path, 0, len(p.segments)-1)
	for i := 1; i < len(p.segments); i++ {
		out = append(out, Path{segments: p.segments[:i], dir: true})
	}
	return out
}

// HasPrefix reports whether p lies under the directory dir.
func (p Path) HasPrefix(dir Path) bool {
	if len(dir.segments) > len(p.segments) {
		return false
	}
	for i, s := range dir.segments {
		if p.segments[i] != s {
			return false
		}
	}
	return true
}

// Rel strips the directory root from p, so root's contents map onto "/".
// The second return value is false when p is not strictly below root.
func (p Path) Rel(root Path) (Path, bool) {
	if len(p.segments) == len(root.segments) || !p.HasPrefix(root) {
		return Path{}, false
	}
	return Path{segments: p.segments[len(root.segments):], dir: p.dir}, true
}
