// Package app wires the passkey service, its sqlite store, and the HTTP
// surface into a runnable server.
package app
