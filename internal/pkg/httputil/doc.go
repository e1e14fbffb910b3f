// Package httputil holds the JSON and HTML response helpers shared by the
// API handlers, so every endpoint produces the same error envelope.
package httputil
