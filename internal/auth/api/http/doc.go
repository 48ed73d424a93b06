// Package http exposes the passkey ceremony service over a JSON HTTP API.
package http
