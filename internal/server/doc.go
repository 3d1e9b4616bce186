// Package server hosts the classcast pool API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, auth, rate limiting, metrics, audit, and logging so handlers
// all share common protections and instrumentation.
package server
