// Package idgen provides pluggable ID generation for plume.
//
// Constructors that mint identifiers (task manager, archive, QUIC sessions)
// accept a Generator, making the ID strategy a startup-time decision rather
// than a compile-time one.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Default is the plume-wide default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string { return Default() }

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable and globally unique; the default everywhere an ID ends up
// in a database ORDER BY.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

const nanoAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator producing base-36 IDs of the given length.
// Short and URL-safe; use only where UUIDv7 is too verbose (e.g. transport
// session ids).
func NanoID(length int) Generator {
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i, c := range buf {
			buf[i] = nanoAlphabet[int(c)%len(nanoAlphabet)]
		}
		return string(buf)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Used for type-scoped identifiers ("tsk_", "prs_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}
