// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/zeebo/blake3"
)

// DigestPrefix starts every schema digest.
const DigestPrefix = "model:"

// schemaDomainKey keys the BLAKE3 hash so schema digests can never
// collide with digests computed over the same bytes elsewhere.
var schemaDomainKey = [32]byte{
	'c', 'o', 'u', 'r', 'i', 'e', 'r', '.', 'm', 'o', 'd', 'e', 'l', '.', 's', 'c',
	'h', 'e', 'm', 'a', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var digestCache sync.Map // reflect.Type -> string

// Digest returns the schema digest of v's type. v may be a value, a
// pointer, or a reflect.Type. Results are cached per type.
func Digest(v any) string {
	typ := typeOf(v)
	if cached, ok := digestCache.Load(typ); ok {
		return cached.(string)
	}
	digest := digestSchema(Schema(typ))
	digestCache.Store(typ, digest)
	return digest
}

// DigestOf returns the schema digest of T.
func DigestOf[T any]() string {
	return Digest(reflect.TypeFor[T]())
}

func digestSchema(schema map[string]any) string {
	// encoding/json writes map keys in sorted order, which makes the
	// encoding canonical for the map-only documents Schema produces.
	canonical, err := json.Marshal(schema)
	if err != nil {
		panic("model: schema is not JSON-serializable: " + err.Error())
	}
	return DigestPrefix + hex.EncodeToString(KeyedHash(schemaDomainKey, canonical))
}

// KeyedHash returns the 32-byte BLAKE3 keyed hash of data.
func KeyedHash(key [32]byte, data []byte) []byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed fails only for keys that are not 32 bytes.
		panic("model: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write(data)
	return hasher.Sum(nil)
}

// ErrorMessage is the distinguished error reply. Recipients branch on
// its digest to tell failures apart from ordinary replies.
type ErrorMessage struct {
	Error string `json:"error"`
}

// ErrorDigest is the schema digest of ErrorMessage.
var ErrorDigest = DigestOf[ErrorMessage]()
