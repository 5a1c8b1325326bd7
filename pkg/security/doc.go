// Package security provides the AES-256-GCM box used to encrypt stored
// TOTP seeds, plus helpers for generating and masking random credentials.
package security
