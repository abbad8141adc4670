package httpapi

import (
	"context"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/synctime"
)

// stampLastModified sets X-Last-Modified to the observed resource
// timestamp unless the response already carries one.
func stampLastModified(h http.Header, observed synctime.Timestamp, ok bool) {
	if !ok || observed.IsZero() {
		return
	}
	if h.Get(api.HeaderLastModified) != "" {
		return
	}
	h.Set(api.HeaderLastModified, observed.String())
}

// stampServiceTime sets X-Weave-Timestamp to max(now, X-Last-Modified).
func stampServiceTime(ctx context.Context, h http.Header, now synctime.Timestamp) synctime.Timestamp {
	ts := now
	if raw := h.Get(api.HeaderLastModified); raw != "" {
		lastModified, err := synctime.Parse(raw)
		if err != nil {
			if logger := pslog.LoggerFromContext(ctx); logger != nil {
				logger.Debug("http.stamp.last_modified_unparsable", "value", raw, "error", err)
			}
		} else {
			ts = synctime.Max(ts, lastModified)
		}
	}
	h.Set(api.HeaderServiceTimestamp, ts.String())
	return ts
}
