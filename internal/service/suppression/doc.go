// Package suppression records recipient opt-outs.
//
// Opt-outs arrive from two places: the public unsubscribe link carried in
// every email (a signed token naming the address) and bulk manual SMS
// suppression by operators. Either way the recipient's channel opt-out
// flag is set and the predicate compiler excludes them from every later
// audience.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package suppression
