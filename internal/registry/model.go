// Package registry implements the directory service mapping a bank's SWIFT
// code to its network address and public key.
package registry

import "time"

// Bank is one registered bank-service instance.
type Bank struct {
	SWIFT        string
	Name         string
	Address      string
	PublicKeyPEM string
	RegisteredAt time.Time
}
