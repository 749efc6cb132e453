// Package policy selects and applies a response encryption strategy per route.
//
// Policies are matched against the request path with glob patterns where `*`
// matches one path segment and `**` any number of segments. The first matching
// policy wins, so specific routes must precede catch-alls. Middleware wraps an
// http.Handler and encrypts its JSON output accordingly.
package policy
