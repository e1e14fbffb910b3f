// Package domain defines the core types of the campaign dispatch engine:
// campaigns, audience rules, recipients and per-recipient sends.
//
// Types in this package are plain values. They carry JSON/DB tags and pure
// helper methods (state ordering, validation) but no I/O.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - Constants and enums belong here
package domain
