package tariff

import "github.com/rotisserie/eris"

// ErrNotFound means no tariff rule covers the queried (HS code, origin, date)
// triple. This is fatal to tax computation: amounts are never computed
// against a guessed rate.
var ErrNotFound = eris.New("no tariff rule in force")

// ErrAmbiguousMeasure means two equally-specific measures of the same type
// are both in force for the query. The reference data must be corrected
// upstream; the engine never silently picks one.
var ErrAmbiguousMeasure = eris.New("ambiguous trade measure")
