// Package sqlite implements the auth storage contracts over SQLite.
//
// Challenge consumption and counter advances use conditional single-row
// updates so concurrent ceremonies cannot both win a stale comparison.
package sqlite
