// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL for tenants, catalog, discounts, orders and the
// settlement outbox.
//
//go:embed migrations/001_schema.sql
var Schema string

// DemoSeed is the demo tenant, catalog and discounts loaded by seed-db.
//
//go:embed seed/demo.json
var DemoSeed []byte
