package streamsync

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

// patch application errors
var (
	ErrTooManyOps       = errors.New("patch batch exceeds the maximum operation count")
	ErrPathTooLong      = errors.New("patch path exceeds the maximum length")
	ErrForbiddenSegment = errors.New("patch path traverses a forbidden segment")
	ErrPathNotFound     = errors.New("patch path does not resolve to an existing location")
	ErrIndexOutOfBounds = errors.New("patch array index out of bounds")
	ErrMissingFrom      = errors.New("patch operation requires a from pointer")
	ErrTestFailed       = errors.New("patch test operation did not match")
	ErrBadPath          = errors.New("patch path is malformed")
)

const (
	PatchOpAdd     = "add"
	PatchOpRemove  = "remove"
	PatchOpReplace = "replace"
	PatchOpMove    = "move"
	PatchOpCopy    = "copy"
	PatchOpTest    = "test"
)

// index marker that means "append" for add operations
const endMarker = "-"

// A PatchOp is one atomic document mutation instruction. `Path` and `From`
// are slash-delimited pointers into the document tree, with `~1` escaping
// `/` and `~0` escaping `~` in segments.
type PatchOp struct {
	Kind  string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

type ApplySettings struct {
	// maximum operations accepted in one batch
	MaxOps int
	// maximum byte length of any single path or from pointer
	MaxPathLength int
}

func DefaultApplySettings() *ApplySettings {
	return &ApplySettings{
		MaxOps:        10 * 1024,
		MaxPathLength: 4 * 1024,
	}
}

// Apply applies `ops` in order to `document` and returns the resulting
// document. The input document is never mutated. Any error discards the
// entire batch, including a failed test operation, so callers never observe
// a half-applied batch. Unknown operation kinds are logged and skipped.
func Apply(document any, ops []*PatchOp, settings *ApplySettings) (any, error) {
	if settings == nil {
		settings = DefaultApplySettings()
	}
	if settings.MaxOps < len(ops) {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOps, len(ops), settings.MaxOps)
	}

	next := deepClone(document)
	for i, op := range ops {
		if op == nil {
			continue
		}
		var err error
		next, err = applyOne(next, op, settings)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Kind, op.Path, err)
		}
	}
	return next, nil
}

func applyOne(document any, op *PatchOp, settings *ApplySettings) (any, error) {
	path, err := parsePointer(op.Path, settings)
	if err != nil {
		return nil, err
	}

	switch op.Kind {
	case PatchOpAdd:
		return addAtPath(document, path, deepClone(op.Value))
	case PatchOpRemove:
		next, _, err := removeAtPath(document, path)
		return next, err
	case PatchOpReplace:
		if _, err := getAtPath(document, path); err != nil {
			return nil, err
		}
		next, _, err := removeAtPath(document, path)
		if err != nil {
			return nil, err
		}
		return addAtPath(next, path, deepClone(op.Value))
	case PatchOpMove:
		if op.From == "" {
			return nil, ErrMissingFrom
		}
		from, err := parsePointer(op.From, settings)
		if err != nil {
			return nil, err
		}
		next, moved, err := removeAtPath(document, from)
		if err != nil {
			return nil, err
		}
		return addAtPath(next, path, moved)
	case PatchOpCopy:
		if op.From == "" {
			return nil, ErrMissingFrom
		}
		from, err := parsePointer(op.From, settings)
		if err != nil {
			return nil, err
		}
		value, err := getAtPath(document, from)
		if err != nil {
			return nil, err
		}
		// structural deep clone so later mutation of the source cannot
		// alias the destination
		return addAtPath(document, path, deepClone(value))
	case PatchOpTest:
		value, err := getAtPath(document, path)
		if err != nil {
			return nil, err
		}
		if !deepEqual(value, op.Value) {
			return nil, ErrTestFailed
		}
		return document, nil
	default:
		glog.V(2).Infof("[p]ignoring unknown op kind %q at %s\n", op.Kind, op.Path)
		return document, nil
	}
}

func parsePointer(pointer string, settings *ApplySettings) ([]string, error) {
	if settings.MaxPathLength < len(pointer) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPathTooLong, len(pointer), settings.MaxPathLength)
	}
	if pointer == "" {
		return []string{}, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("%w: %q", ErrBadPath, pointer)
	}
	segments := strings.Split(pointer[1:], "/")
	for i, segment := range segments {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segment = strings.ReplaceAll(segment, "~0", "~")
		if forbiddenSegment(segment) {
			return nil, fmt.Errorf("%w: %q", ErrForbiddenSegment, segment)
		}
		segments[i] = segment
	}
	return segments, nil
}

func forbiddenSegment(segment string) bool {
	switch segment {
	case "__proto__", "constructor", "prototype":
		return true
	}
	return false
}

// addAtPath inserts value at path, creating nothing: every parent must
// already exist. An empty path replaces the whole document.
func addAtPath(node any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	segment := path[0]
	switch container := node.(type) {
	case map[string]any:
		if len(path) == 1 {
			container[segment] = value
			return container, nil
		}
		child, ok := container[segment]
		if !ok {
			return nil, fmt.Errorf("%w: missing parent %q", ErrPathNotFound, segment)
		}
		next, err := addAtPath(child, path[1:], value)
		if err != nil {
			return nil, err
		}
		container[segment] = next
		return container, nil
	case []any:
		if len(path) == 1 {
			if segment == endMarker {
				return append(container, value), nil
			}
			i, err := arrayIndex(segment, len(container), true)
			if err != nil {
				return nil, err
			}
			container = append(container, nil)
			copy(container[i+1:], container[i:])
			container[i] = value
			return container, nil
		}
		i, err := arrayIndex(segment, len(container), false)
		if err != nil {
			return nil, err
		}
		next, err := addAtPath(container[i], path[1:], value)
		if err != nil {
			return nil, err
		}
		container[i] = next
		return container, nil
	default:
		return nil, fmt.Errorf("%w: %q is not a container", ErrPathNotFound, segment)
	}
}

func removeAtPath(node any, path []string) (next any, removed any, err error) {
	if len(path) == 0 {
		return nil, node, nil
	}
	segment := path[0]
	switch container := node.(type) {
	case map[string]any:
		child, ok := container[segment]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrPathNotFound, segment)
		}
		if len(path) == 1 {
			delete(container, segment)
			return container, child, nil
		}
		updated, removed, err := removeAtPath(child, path[1:])
		if err != nil {
			return nil, nil, err
		}
		container[segment] = updated
		return container, removed, nil
	case []any:
		i, err := arrayIndex(segment, len(container), false)
		if err != nil {
			return nil, nil, err
		}
		if len(path) == 1 {
			removed := container[i]
			container = append(container[:i], container[i+1:]...)
			return container, removed, nil
		}
		updated, removed, err := removeAtPath(container[i], path[1:])
		if err != nil {
			return nil, nil, err
		}
		container[i] = updated
		return container, removed, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q is not a container", ErrPathNotFound, segment)
	}
}

func getAtPath(node any, path []string) (any, error) {
	current := node
	for _, segment := range path {
		switch container := current.(type) {
		case map[string]any:
			child, ok := container[segment]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrPathNotFound, segment)
			}
			current = child
		case []any:
			i, err := arrayIndex(segment, len(container), false)
			if err != nil {
				return nil, err
			}
			current = container[i]
		default:
			return nil, fmt.Errorf("%w: %q is not a container", ErrPathNotFound, segment)
		}
	}
	return current, nil
}

// arrayIndex parses an array segment. `allowEnd` permits index == length,
// which is valid only when inserting.
func arrayIndex(segment string, length int, allowEnd bool) (int, error) {
	if segment == endMarker {
		return 0, fmt.Errorf("%w: end marker is valid only for add", ErrIndexOutOfBounds)
	}
	i, err := strconv.Atoi(segment)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPath, segment)
	}
	if i < 0 || length < i || (!allowEnd && length == i) {
		return 0, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, i, length)
	}
	return i, nil
}

func deepClone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = deepClone(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = deepClone(child)
		}
		return out
	default:
		return value
	}
}

// deepEqual compares by structure, independent of serialization order
func deepEqual(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}
