// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns a destination identifier into an agent
// address and a ranked list of endpoint URLs.
//
// Identifiers take the forms
//
//	agent1q...                      bare address
//	alice.example                   bare name
//	agent://agent1q...              prefixed address
//	test-agent://alice.example      prefixed name
//	agent://alice.example/agent1q...  name with a pinned address
//
// Only the "agent" and "test-agent" prefixes are accepted.
//
// Resolution is a chain of [Resolver] values. The standard chain built
// by [NewGlobalResolver] sends addresses to an [AlmanacResolver] (the
// directory API first, the ledger registry as fallback) and names to a
// [NameServiceResolver], which picks one registered address by weight
// and recurses into the address chain. Every stage fails soft: errors
// are logged and the next stage runs. Only the final stage's miss is
// terminal and yields ("", nil).
//
// Endpoint lists are capped with [WeightedRandomSample], so agents
// with many endpoints spread load by their advertised weights.
package resolver
