// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

type PaymentRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Memo     string `json:"memo,omitempty"`
}

// reorderedPaymentRequest has the same JSON shape as PaymentRequest
// with fields declared in a different order. It digests differently
// only because its name differs.
type reorderedPaymentRequest struct {
	Memo     string `json:"memo,omitempty"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

type Envelope struct {
	Inner   PaymentRequest    `json:"inner"`
	Tags    []string          `json:"tags"`
	Labels  map[string]string `json:"labels"`
	When    time.Time         `json:"when"`
	Blob    []byte            `json:"blob"`
	Maybe   *int              `json:"maybe"`
	ignored string
	Skipped string `json:"-"`
}

func TestDigestShape(t *testing.T) {
	digest := Digest(PaymentRequest{})
	if !strings.HasPrefix(digest, DigestPrefix) {
		t.Fatalf("Digest() = %q, want %q prefix", digest, DigestPrefix)
	}
	if len(digest) != len(DigestPrefix)+64 {
		t.Errorf("digest length = %d, want %d", len(digest), len(DigestPrefix)+64)
	}
}

func TestDigestStableAcrossForms(t *testing.T) {
	value := Digest(PaymentRequest{Amount: 5})
	pointer := Digest(&PaymentRequest{})
	generic := DigestOf[PaymentRequest]()
	typ := Digest(reflect.TypeOf(PaymentRequest{}))
	if value != pointer || value != generic || value != typ {
		t.Errorf("digests differ: value=%s pointer=%s generic=%s type=%s", value, pointer, generic, typ)
	}
}

func TestDigestDistinguishesTypes(t *testing.T) {
	if Digest(PaymentRequest{}) == Digest(ErrorMessage{}) {
		t.Error("distinct types share a digest")
	}
	if Digest(PaymentRequest{}) == Digest(reorderedPaymentRequest{}) {
		t.Error("types with different titles share a digest")
	}
}

func TestSchemaFieldOrderIndependent(t *testing.T) {
	first := Schema(PaymentRequest{})
	second := Schema(reorderedPaymentRequest{})
	delete(first, "title")
	delete(second, "title")
	if digestSchema(first) != digestSchema(second) {
		t.Error("field declaration order changed the schema digest")
	}
}

func TestSchemaContents(t *testing.T) {
	schema := Schema(Envelope{})
	if schema["title"] != "Envelope" {
		t.Errorf("title = %v", schema["title"])
	}
	properties := schema["properties"].(map[string]any)
	for _, name := range []string{"inner", "tags", "labels", "when", "blob", "maybe"} {
		if _, ok := properties[name]; !ok {
			t.Errorf("property %q missing", name)
		}
	}
	for _, name := range []string{"ignored", "Skipped", "-"} {
		if _, ok := properties[name]; ok {
			t.Errorf("property %q should be skipped", name)
		}
	}

	required := schema["required"].([]string)
	want := []string{"blob", "inner", "labels", "tags", "when"}
	if !reflect.DeepEqual(required, want) {
		t.Errorf("required = %v, want %v", required, want)
	}

	when := properties["when"].(map[string]any)
	if when["format"] != "date-time" {
		t.Errorf("time.Time schema = %v", when)
	}
	tags := properties["tags"].(map[string]any)
	if tags["type"] != "array" {
		t.Errorf("[]string schema = %v", tags)
	}
}

func TestErrorDigest(t *testing.T) {
	if ErrorDigest != Digest(ErrorMessage{Error: "x"}) {
		t.Error("ErrorDigest does not match Digest(ErrorMessage{})")
	}
}

type node struct {
	Value    int    `json:"value"`
	Children []node `json:"children"`
}

func TestRecursiveTypeTerminates(t *testing.T) {
	if Digest(node{}) == "" {
		t.Fatal("empty digest for recursive type")
	}
}
