// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// SweepManifestSchema is the embedded sweep-manifest JSON schema.
//
//go:embed sweep-manifest.schema.json
var SweepManifestSchema []byte
