// Package server hosts the Courtside stream control API from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, rate limiting, metrics, and logging so handlers all share
// common protections and instrumentation.
package server
