// Package storage defines the persistence contracts for users, passkey
// credentials, and ceremony challenges.
//
// Implementations must offer row-level conditional updates so challenge
// consumption and counter advances stay race-free without in-process locks.
package storage
