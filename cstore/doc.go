// Package cstore defines the store contracts the consensus engine consumes:
// a persistent block store, a replica voting-state store, and a payload manager.
//
// The three contracts are deliberately independent capability interfaces.
// One adapter type typically implements all three against a shared
// relational log, but test doubles are free to implement just one.
package cstore
