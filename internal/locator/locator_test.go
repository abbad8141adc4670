package locator_test

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/syncd/internal/locator"
)

func TestParseResources(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path       string
		collection string
		item       string
		none       bool
	}{
		{path: "/1.5/42/storage/bookmarks", collection: "bookmarks"},
		{path: "/1.5/42/storage/bookmarks/", collection: "bookmarks"},
		{path: "/1.5/42/storage/tabs/abc-123", collection: "tabs", item: "abc-123"},
		{path: "/1.5/42/storage/a.b_c-d/{x}", collection: "a.b_c-d", item: "{x}"},
		{path: "/1.5/42/info/collections", none: true},
		{path: "/1.5/42/storage", none: true},
		{path: "/__heartbeat__", none: true},
		{path: "/", none: true},
		{path: "/2.0/42/storage/bookmarks", none: true},
	}
	for _, tc := range cases {
		res, err := locator.Parse(tc.path)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.path, err)
		}
		if tc.none {
			if res != nil {
				t.Fatalf("%s: expected no resource, got %v", tc.path, res)
			}
			continue
		}
		if res == nil {
			t.Fatalf("%s: expected resource", tc.path)
		}
		if res.Collection != tc.collection || res.Item != tc.item {
			t.Fatalf("%s: got %+v", tc.path, res)
		}
		if res.HasItem() != (tc.item != "") {
			t.Fatalf("%s: HasItem mismatch", tc.path)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	paths := []string{
		"/1.5/42/storage/" + strings.Repeat("c", 33),
		"/1.5/42/storage/bad$name",
		"/1.5/42/storage/tabs/" + strings.Repeat("i", 65),
		"/1.5/42/storage/tabs/a,b",
		"/1.5/42/storage/tabs/item/extra",
		"/1.5/42/storage/tabs/café",
	}
	for _, path := range paths {
		res, err := locator.Parse(path)
		if err == nil {
			t.Fatalf("%s: expected error, got %v", path, res)
		}
		if !errors.Is(err, locator.ErrInvalidPath) {
			t.Fatalf("%s: expected ErrInvalidPath, got %v", path, err)
		}
		var pathErr *locator.PathError
		if !errors.As(err, &pathErr) {
			t.Fatalf("%s: expected *PathError", path)
		}
	}
}

func TestPathUser(t *testing.T) {
	t.Parallel()
	if uid, ok := locator.PathUser("/1.5/42/storage/tabs"); !ok || uid != "42" {
		t.Fatalf("unexpected uid %q %v", uid, ok)
	}
	if _, ok := locator.PathUser("/__heartbeat__"); ok {
		t.Fatalf("expected no uid")
	}
}
