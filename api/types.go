// Package api defines the JSON wire types of the storage protocol.
package api

import "pkt.systems/syncd/internal/synctime"

// Header names reserved by the service.
const (
	// HeaderLastModified carries a resource's modification time in two-decimal seconds.
	HeaderLastModified = "X-Last-Modified"
	// HeaderServiceTimestamp carries the service clock at response time in two-decimal seconds.
	HeaderServiceTimestamp = "X-Weave-Timestamp"
	// HeaderRecords carries the number of records in a collection listing.
	HeaderRecords = "X-Weave-Records"
	// HeaderRequestID echoes the request identifier used in server logs.
	HeaderRequestID = "X-Request-Id"
)

// Timestamp is a service timestamp with ten millisecond resolution. It
// encodes as decimal seconds with two fractional digits.
type Timestamp = synctime.Timestamp

// ParseTimestamp decodes a decimal seconds value such as "1234.56".
func ParseTimestamp(raw string) (Timestamp, error) {
	return synctime.Parse(raw)
}

// BSO is a stored item as returned by GET requests.
type BSO struct {
	// ID identifies the item within its collection.
	ID string `json:"id"`
	// Modified is the item's last modification time in seconds.
	Modified synctime.Timestamp `json:"modified"`
	// Payload is the opaque client-encrypted record body.
	Payload string `json:"payload"`
	// SortIndex is an optional client-assigned ordering hint.
	SortIndex *int64 `json:"sortindex,omitempty"`
}

// BSOInput is an item as uploaded by PUT and POST requests. ID is taken from
// the path for PUT.
type BSOInput struct {
	// ID identifies the item within its collection.
	ID string `json:"id,omitempty"`
	// Payload is the opaque client-encrypted record body.
	Payload *string `json:"payload,omitempty"`
	// SortIndex is an optional client-assigned ordering hint.
	SortIndex *int64 `json:"sortindex,omitempty"`
	// TTL is the number of seconds the item stays visible after this
	// write. Omitted keeps the stored item's expiry; new items never expire.
	TTL *int64 `json:"ttl,omitempty"`
}

// PostResult is returned by POST /1.5/{uid}/storage/{collection}.
type PostResult struct {
	// Modified is the timestamp every accepted item now carries.
	Modified synctime.Timestamp `json:"modified"`
	// Success lists the ids that were stored.
	Success []string `json:"success"`
	// Failed maps rejected ids to the reasons they were rejected.
	Failed map[string][]string `json:"failed"`
}

// ModifiedResponse is returned by delete requests.
type ModifiedResponse struct {
	// Modified is the timestamp of the deletion.
	Modified synctime.Timestamp `json:"modified"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
