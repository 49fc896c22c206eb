// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package model computes schema digests for message types.
//
// A message type is any Go struct that round-trips through
// encoding/json. Its schema is derived by reflection: a JSON-schema
// shaped document listing the struct's title, properties (by JSON
// name) and required fields. The schema digest is
//
//	"model:" + hex(BLAKE3-keyed("courier.model.schema", canonical schema JSON))
//
// Two processes agree that they speak the same message type exactly
// when their digests are equal, so the digest depends only on the
// type's name and JSON shape, never on Go-specific details such as
// field order, unexported fields or package path.
//
// [ErrorMessage] is the distinguished error type. Any handler may
// reply with it regardless of the replies its protocol declares.
package model
