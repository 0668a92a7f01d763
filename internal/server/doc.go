// Package server manages the HTTP/HTTPS server lifecycle: non-blocking
// start, graceful shutdown, and system signal handling.
package server
