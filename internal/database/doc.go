// Package database opens GORM connections and manages the connection pool:
// health checks, stats collection, and transactions with deadlock retry.
package database
