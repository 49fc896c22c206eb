// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements agent keypairs, addresses and message
// signatures.
//
// An identity is a secp256k1 private key. Its address is the bech32
// encoding of the 33-byte compressed public key under the "agent"
// human-readable part:
//
//	agent1qv2l7qzcd2g2rcv2p93tqflrcaq5dk7c2xc7fx44fpr6c4dwx3ajj7uvn7k
//
// Addresses under the "user" part identify non-agent senders (browser
// clients, scripts) that are allowed to send unsigned envelopes.
//
// Signatures are compact 64-byte r||s ECDSA signatures over a SHA-256
// digest, bech32-encoded under the "sig" part. Verification needs only
// the signer's address, since the address carries the full public key.
//
// # Seed derivation
//
// [FromSeed] derives a deterministic key from a seed phrase and an
// index:
//
//	key = SHA256( SHA256("agent" || index_be32) || SHA256(seed) )
//
// The same seed and index always produce the same address, which is
// how an agent keeps its address across restarts. Different indices
// produce unrelated keys from one seed.
package identity
