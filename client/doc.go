// Package client is the Go SDK for syncd. A Client acts for exactly one user:
// it signs every request with that user's Hawk token and addresses paths
// under /1.5/{uid}/.
//
//	cli, err := client.New("https://sync.example.com", 42,
//	    client.WithToken(tokenID, tokenKey))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ts, _, err := cli.Put(ctx, "bookmarks", "abc", api.BSOInput{Payload: &payload})
//
// Conditional requests take IfModifiedSince or IfUnmodifiedSince. A matched
// X-If-Modified-Since surfaces as ErrNotModified; a rejected
// X-If-Unmodified-Since surfaces as an *APIError for which
// IsPreconditionFailed reports true.
//
// Responses answered with 503 are retried after the server's Retry-After
// hint, DefaultRetries times unless WithRetries says otherwise.
//
// Base URLs of the form unix:///run/syncd.sock dial a unix-domain socket.
package client
