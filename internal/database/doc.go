// Package database manages the PostgreSQL connection pool used by the
// envelope archiver.
package database
