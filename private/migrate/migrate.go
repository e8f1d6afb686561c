// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package migrate implements versioned schema migrations.
package migrate

import (
	"github.com/zeebo/errs"

	"storj.io/private/tagsql"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// rebind uses the database's own placeholder rebinding when it has one.
func rebind(db tagsql.DB, s string) string {
	if r, ok := db.(interface{ Rebind(string) string }); ok {
		return r.Rebind(s)
	}
	return s
}
