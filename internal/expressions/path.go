package expressions

import (
	"strconv"
	"strings"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// Undefined marks a path that did not resolve. Unresolvable references are
// not errors; callers map Undefined to a missing input or a false condition.
type undefined struct{}

// Undefined is the singleton unresolved-path value.
var Undefined = undefined{}

// IsUndefined reports whether v is the unresolved-path marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// pathSegment is one step of a parsed path: a map key, optionally followed
// by array indexes.
type pathSegment struct {
	key     string
	indexes []int
}

// ParsePath parses a dotted path with optional array indexes, for example
// "check.items[0].name". An empty path or malformed index is an error;
// resolution failures are not.
func ParsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty path")
	}

	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part, path)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseSegment(part, fullPath string) (pathSegment, error) {
	open := strings.IndexByte(part, '[')
	if open == -1 {
		if part == "" || strings.ContainsAny(part, "]") {
			return pathSegment{}, schema.NewErrorf(schema.ErrCodeValidation, "malformed path %q", fullPath)
		}
		return pathSegment{key: part}, nil
	}

	seg := pathSegment{key: part[:open]}
	if seg.key == "" {
		return pathSegment{}, schema.NewErrorf(schema.ErrCodeValidation, "malformed path %q", fullPath)
	}

	rest := part[open:]
	for rest != "" {
		if rest[0] != '[' {
			return pathSegment{}, schema.NewErrorf(schema.ErrCodeValidation, "malformed path %q", fullPath)
		}
		close := strings.IndexByte(rest, ']')
		if close == -1 {
			return pathSegment{}, schema.NewErrorf(schema.ErrCodeValidation, "malformed path %q", fullPath)
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil || idx < 0 {
			return pathSegment{}, schema.NewErrorf(schema.ErrCodeValidation, "malformed index in path %q", fullPath)
		}
		seg.indexes = append(seg.indexes, idx)
		rest = rest[close+1:]
	}
	return seg, nil
}

// ResolvePath walks a parsed path through nested maps and slices. Any miss
// (absent key, out-of-range index, wrong type) yields Undefined.
func ResolvePath(root any, segments []pathSegment) any {
	current := root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return Undefined
		}
		current, ok = m[seg.key]
		if !ok {
			return Undefined
		}
		for _, idx := range seg.indexes {
			arr, ok := current.([]any)
			if !ok || idx >= len(arr) {
				return Undefined
			}
			current = arr[idx]
		}
	}
	return current
}

// Lookup parses and resolves in one call.
func Lookup(root any, path string) (any, error) {
	segments, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return ResolvePath(root, segments), nil
}
