// Package campaign implements campaign lifecycle management: create, update,
// delete, duplicate, schedule, pause and resume, plus the read-side list,
// stats and per-campaign send listings.
//
// The service depends on repository interfaces defined here; PostgreSQL
// implementations live in repository/postgres. Dispatch itself is delegated
// to the worker package through the Dispatcher interface.
package campaign
