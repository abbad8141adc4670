package client

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/precondition"
)

// Sort orders accepted by collection listings.
const (
	SortNewest = "newest"
	SortOldest = "oldest"
	SortIndex  = "index"
)

type requestOptions struct {
	ifModifiedSince   *api.Timestamp
	ifUnmodifiedSince *api.Timestamp
	ids               []string
	newer             api.Timestamp
	older             api.Timestamp
	sort              string
	limit             int
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// IfModifiedSince makes the request return ErrNotModified when the target
// has not changed after ts.
func IfModifiedSince(ts api.Timestamp) RequestOption {
	return func(o *requestOptions) {
		o.ifModifiedSince = &ts
	}
}

// IfUnmodifiedSince makes the request fail with 412 when the target changed
// after ts.
func IfUnmodifiedSince(ts api.Timestamp) RequestOption {
	return func(o *requestOptions) {
		o.ifUnmodifiedSince = &ts
	}
}

// WithIDs restricts a listing to the given ids.
func WithIDs(ids ...string) RequestOption {
	return func(o *requestOptions) {
		o.ids = append(o.ids, ids...)
	}
}

// WithNewer restricts a listing to items modified after ts.
func WithNewer(ts api.Timestamp) RequestOption {
	return func(o *requestOptions) { o.newer = ts }
}

// WithOlder restricts a listing to items modified before ts.
func WithOlder(ts api.Timestamp) RequestOption {
	return func(o *requestOptions) { o.older = ts }
}

// WithSort orders a listing by SortNewest, SortOldest or SortIndex.
func WithSort(order string) RequestOption {
	return func(o *requestOptions) { o.sort = order }
}

// WithLimit caps the number of listed items.
func WithLimit(n int) RequestOption {
	return func(o *requestOptions) { o.limit = n }
}

func applyRequestOptions(fns []RequestOption) requestOptions {
	var opts requestOptions
	for _, fn := range fns {
		if fn != nil {
			fn(&opts)
		}
	}
	return opts
}

func (o requestOptions) applyHeaders(h http.Header) {
	if o.ifModifiedSince != nil {
		h.Set(precondition.HeaderIfModifiedSince, o.ifModifiedSince.String())
	}
	if o.ifUnmodifiedSince != nil {
		h.Set(precondition.HeaderIfUnmodifiedSince, o.ifUnmodifiedSince.String())
	}
}

func (o requestOptions) applyQuery(q url.Values) {
	if len(o.ids) > 0 {
		q.Set("ids", strings.Join(o.ids, ","))
	}
	if o.newer != 0 {
		q.Set("newer", o.newer.String())
	}
	if o.older != 0 {
		q.Set("older", o.older.String())
	}
	if o.sort != "" {
		q.Set("sort", o.sort)
	}
	if o.limit > 0 {
		q.Set("limit", strconv.Itoa(o.limit))
	}
}
