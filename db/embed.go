// Package db provides the embedded PostgreSQL schema.
package db

import _ "embed"

// Schema creates the terminal state tables. It is safe to apply repeatedly.
//
//go:embed migrations/001_schema.sql
var Schema string
