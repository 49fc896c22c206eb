// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for courier
// processes.
//
// Configuration is loaded from a single file specified by either the
// COURIER_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override non-zero base
// values when [Config].Environment matches. Inline agent seeds are
// rejected outside development.
//
// Variable expansion is performed on paths and URLs after loading:
// ${HOME}, ${COURIER_ROOT}, and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- server, directory, resolver, storage, registration
//     and the hosted agents
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every problem at once
//
// This package depends on no other courier packages.
package config
