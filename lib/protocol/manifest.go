// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/bureau-foundation/courier/lib/model"
)

// ManifestVersion is the manifest format version.
const ManifestVersion = "1.0"

// DigestPrefix starts every protocol digest.
const DigestPrefix = "proto:"

var manifestDomainKey = [32]byte{
	'c', 'o', 'u', 'r', 'i', 'e', 'r', '.', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l',
	'.', 'm', 'a', 'n', 'i', 'f', 'e', 's', 't', 0, 0, 0, 0, 0, 0, 0,
}

// Manifest is the published description of a protocol.
type Manifest struct {
	Version      string        `json:"version"`
	Metadata     Metadata      `json:"metadata"`
	Models       []ModelEntry  `json:"models"`
	Interactions []Interaction `json:"interactions"`
}

// Metadata names the protocol and carries its digest.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

// ModelEntry pairs a schema digest with its schema.
type ModelEntry struct {
	Digest string         `json:"digest"`
	Schema map[string]any `json:"schema"`
}

// Interaction is one request digest and the digests allowed in reply.
type Interaction struct {
	Type      string   `json:"type"`
	Request   string   `json:"request"`
	Responses []string `json:"responses"`
}

// Manifest returns the protocol's manifest with its digest filled in.
func (p *Protocol) Manifest() Manifest {
	manifest := p.unsignedManifest()
	manifest.Metadata.Digest = digestManifest(manifest)
	return manifest
}

// Digest returns the protocol digest, "proto:" + hex(hash).
func (p *Protocol) Digest() string {
	return digestManifest(p.unsignedManifest())
}

func (p *Protocol) unsignedManifest() Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()

	manifest := Manifest{
		Version:      ManifestVersion,
		Metadata:     Metadata{Name: p.name, Version: p.version},
		Models:       make([]ModelEntry, 0, len(p.models)),
		Interactions: make([]Interaction, 0, len(p.routes)),
	}
	for digest, typ := range p.models {
		manifest.Models = append(manifest.Models, ModelEntry{Digest: digest, Schema: model.Schema(typ)})
	}
	sort.Slice(manifest.Models, func(i, j int) bool {
		return manifest.Models[i].Digest < manifest.Models[j].Digest
	})

	for digest, route := range p.routes {
		responses := make([]string, 0, len(route.Replies))
		for reply := range route.Replies {
			responses = append(responses, reply)
		}
		sort.Strings(responses)
		manifest.Interactions = append(manifest.Interactions, Interaction{
			Type:      "normal",
			Request:   digest,
			Responses: responses,
		})
	}
	sort.Slice(manifest.Interactions, func(i, j int) bool {
		return manifest.Interactions[i].Request < manifest.Interactions[j].Request
	})
	return manifest
}

// digestManifest hashes the canonical form: an explicit sequence of
// (key, value) pairs in a fixed order, independent of map iteration.
// Model schemas are represented by their digests, which already commit
// to the schema content.
func digestManifest(manifest Manifest) string {
	type pair struct {
		Key   string `json:"k"`
		Value any    `json:"v"`
	}
	modelDigests := make([]string, len(manifest.Models))
	for index, entry := range manifest.Models {
		modelDigests[index] = entry.Digest
	}
	interactions := make([][]string, len(manifest.Interactions))
	for index, interaction := range manifest.Interactions {
		interactions[index] = append([]string{interaction.Type, interaction.Request}, interaction.Responses...)
	}
	canonical, err := json.Marshal([]pair{
		{"version", manifest.Version},
		{"name", manifest.Metadata.Name},
		{"protocol_version", manifest.Metadata.Version},
		{"models", modelDigests},
		{"interactions", interactions},
	})
	if err != nil {
		panic("protocol: canonical manifest is not serializable: " + err.Error())
	}
	return DigestPrefix + hex.EncodeToString(model.KeyedHash(manifestDomainKey, canonical))
}
