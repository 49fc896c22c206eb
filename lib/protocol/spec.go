// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/courier/lib/model"
)

// Spec is an external protocol definition: a name, a version, and the
// interactions an implementation must provide.
type Spec struct {
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Interactions []Interaction `json:"interactions"`
}

// NewSpec builds a spec from Go message types.
func NewSpec(name, version string, interactions ...SpecInteraction) *Spec {
	spec := &Spec{Name: name, Version: version}
	for _, interaction := range interactions {
		spec.Interactions = append(spec.Interactions, interaction.resolve())
	}
	spec.normalize()
	return spec
}

// SpecInteraction pairs a request type with its reply types.
type SpecInteraction struct {
	request any
	replies []any
}

// Expect declares that request is handled and answered with one of
// replies.
func Expect(request any, replies ...any) SpecInteraction {
	return SpecInteraction{request: request, replies: replies}
}

func (s SpecInteraction) resolve() Interaction {
	interaction := Interaction{Type: "normal", Request: model.Digest(s.request)}
	for _, reply := range s.replies {
		interaction.Responses = append(interaction.Responses, model.Digest(reply))
	}
	return interaction
}

// specDocument is the on-disk shape: a published manifest (metadata,
// interactions) with models optional and ignored.
type specDocument struct {
	Metadata struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"metadata"`
	Interactions []Interaction `json:"interactions"`
}

// ParseSpec parses a JSONC spec document. Comments and trailing commas
// are allowed:
//
//	{
//	  // Payment negotiation, version 1.
//	  "metadata": {"name": "payments", "version": "1.0.0"},
//	  "interactions": [
//	    {"request": "model:ab12...", "responses": ["model:cd34..."]},
//	  ],
//	}
func ParseSpec(data []byte) (*Spec, error) {
	var document specDocument
	if err := json.Unmarshal(jsonc.ToJSON(data), &document); err != nil {
		return nil, fmt.Errorf("parsing protocol spec: %w", err)
	}
	if document.Metadata.Name == "" {
		return nil, fmt.Errorf("protocol spec: metadata.name is required")
	}
	spec := &Spec{
		Name:         document.Metadata.Name,
		Version:      document.Metadata.Version,
		Interactions: document.Interactions,
	}
	seen := make(map[string]bool, len(spec.Interactions))
	for index, interaction := range spec.Interactions {
		if !strings.HasPrefix(interaction.Request, model.DigestPrefix) {
			return nil, fmt.Errorf("protocol spec: interaction %d: request %q is not a model digest", index, interaction.Request)
		}
		if seen[interaction.Request] {
			return nil, fmt.Errorf("protocol spec: interaction %d: duplicate request %s", index, interaction.Request)
		}
		seen[interaction.Request] = true
		for _, response := range interaction.Responses {
			if !strings.HasPrefix(response, model.DigestPrefix) {
				return nil, fmt.Errorf("protocol spec: interaction %d: response %q is not a model digest", index, response)
			}
		}
		if spec.Interactions[index].Type == "" {
			spec.Interactions[index].Type = "normal"
		}
	}
	spec.normalize()
	return spec, nil
}

// ReadSpecFile reads and parses a JSONC spec file.
func ReadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading protocol spec: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

func (s *Spec) normalize() {
	for index := range s.Interactions {
		sort.Strings(s.Interactions[index].Responses)
	}
	sort.Slice(s.Interactions, func(i, j int) bool {
		return s.Interactions[i].Request < s.Interactions[j].Request
	})
}

// check validates one registration against the spec.
func (s *Spec) check(digest string, replies map[string]struct{}) error {
	for _, interaction := range s.Interactions {
		if interaction.Request != digest {
			continue
		}
		if len(replies) != len(interaction.Responses) {
			return fmt.Errorf("spec declares %d replies, handler declares %d", len(interaction.Responses), len(replies))
		}
		for _, response := range interaction.Responses {
			if _, ok := replies[response]; !ok {
				return fmt.Errorf("handler does not declare reply %s", response)
			}
		}
		return nil
	}
	return fmt.Errorf("spec %s:%s does not declare %s", s.Name, s.Version, digest)
}
