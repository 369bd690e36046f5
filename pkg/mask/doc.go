// Package mask seals request parameters before they are persisted. It
// implements the store's parameter masker with NaCl secretbox and a
// random nonce per value, so masking the same parameters twice yields
// different strings.
package mask
