// Package locator extracts the lockable (collection, item) pair from a
// request path. It performs no I/O.
package locator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// APIVersion is the leading path segment of every storage route.
const APIVersion = "1.5"

const (
	maxItemIDLen = 64
	storageSeg   = "storage"
)

var collectionPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)

// ErrInvalidPath matches every PathError.
var ErrInvalidPath = errors.New("invalid path")

// PathError reports a malformed resource segment.
type PathError struct {
	Segment string
	Value   string
	Reason  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Segment, e.Value, e.Reason)
}

// Is lets errors.Is match ErrInvalidPath.
func (e *PathError) Is(target error) bool {
	return target == ErrInvalidPath
}

// Resource is the lockable unit a request touches. Item is only ever set
// together with Collection.
type Resource struct {
	Collection string
	Item       string
}

// HasItem reports whether the resource targets a single item.
func (r *Resource) HasItem() bool {
	return r != nil && r.Item != ""
}

func (r *Resource) String() string {
	if r == nil {
		return ""
	}
	if r.Item == "" {
		return r.Collection
	}
	return r.Collection + "/" + r.Item
}

// Parse returns the resource addressed by path, or nil when the path does not
// name a collection (for example /1.5/{uid}/info/collections).
func Parse(path string) (*Resource, error) {
	segs := segments(path)
	if len(segs) < 4 || segs[0] != APIVersion || segs[2] != storageSeg {
		return nil, nil
	}
	if len(segs) > 5 {
		return nil, &PathError{Segment: "path", Value: path, Reason: "unexpected trailing segments"}
	}
	collection := segs[3]
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	res := &Resource{Collection: collection}
	if len(segs) == 5 {
		if err := ValidateItemID(segs[4]); err != nil {
			return nil, err
		}
		res.Item = segs[4]
	}
	return res, nil
}

// PathUser returns the {uid} segment of a versioned path.
func PathUser(path string) (string, bool) {
	segs := segments(path)
	if len(segs) < 2 || segs[0] != APIVersion || segs[1] == "" {
		return "", false
	}
	return segs[1], true
}

// ValidateCollection checks a collection name.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return &PathError{Segment: "collection", Value: name, Reason: "must match [a-zA-Z0-9._-]{1,32}"}
	}
	return nil
}

// ValidateItemID checks an item id: 1 to 64 printable ASCII characters,
// excluding ',' and '/'.
func ValidateItemID(id string) error {
	if id == "" || len(id) > maxItemIDLen {
		return &PathError{Segment: "item", Value: id, Reason: "length must be between 1 and 64"}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x20 || c > 0x7e || c == ',' || c == '/' {
			return &PathError{Segment: "item", Value: id, Reason: "contains a forbidden character"}
		}
	}
	return nil
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
