// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// Schema returns the reflective schema of v's type. v may be a value,
// a pointer, or a reflect.Type.
func Schema(v any) map[string]any {
	return schemaOf(typeOf(v), map[reflect.Type]bool{})
}

// Name returns the title used in v's schema.
func Name(v any) string {
	return typeOf(v).Name()
}

func typeOf(v any) reflect.Type {
	typ, ok := v.(reflect.Type)
	if !ok {
		typ = reflect.TypeOf(v)
	}
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ
}

func schemaOf(typ reflect.Type, visiting map[reflect.Type]bool) map[string]any {
	if typ == nil {
		return map[string]any{}
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == timeType {
		return map[string]any{"type": "string", "format": "date-time"}
	}
	if typ.Implements(jsonMarshalerType) || reflect.PointerTo(typ).Implements(jsonMarshalerType) {
		// Custom JSON encodings have no reflective shape; name them so
		// that distinct custom types still digest differently.
		return map[string]any{"title": typ.Name()}
	}

	switch typ.Kind() {
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Slice, reflect.Array:
		if typ.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string", "contentEncoding": "base64"}
		}
		return map[string]any{"type": "array", "items": schemaOf(typ.Elem(), visiting)}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": schemaOf(typ.Elem(), visiting)}
	case reflect.Struct:
		return structSchema(typ, visiting)
	default:
		return map[string]any{}
	}
}

func structSchema(typ reflect.Type, visiting map[reflect.Type]bool) map[string]any {
	if visiting[typ] {
		return map[string]any{"$ref": "#/definitions/" + typ.Name()}
	}
	visiting[typ] = true
	defer delete(visiting, typ)

	properties := map[string]any{}
	var required []string
	collectFields(typ, visiting, properties, &required)
	sort.Strings(required)

	schema := map[string]any{
		"title":      typ.Name(),
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// collectFields walks exported fields, flattening anonymous embedded
// structs the way encoding/json does.
func collectFields(typ reflect.Type, visiting map[reflect.Type]bool, properties map[string]any, required *[]string) {
	for index := 0; index < typ.NumField(); index++ {
		field := typ.Field(index)
		name, omitEmpty, skip := jsonField(field)
		if skip {
			continue
		}
		if field.Anonymous && name == "" {
			embedded := field.Type
			if embedded.Kind() == reflect.Pointer {
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct {
				collectFields(embedded, visiting, properties, required)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}

		properties[name] = schemaOf(field.Type, visiting)
		if !omitEmpty && field.Type.Kind() != reflect.Pointer {
			*required = append(*required, name)
		}
	}
}

func jsonField(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, option := range parts[1:] {
		if option == "omitempty" || option == "omitzero" {
			omitEmpty = true
		}
	}
	return parts[0], omitEmpty, false
}

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
