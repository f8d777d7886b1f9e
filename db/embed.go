// Package db embeds the SQL schema applied at startup.
package db

import _ "embed"

// Schema contains the DDL for the promotions, promotion_products, and
// promotion_usages tables.
//
//go:embed migrations/001_schema.sql
var Schema string
