// Package templates provides the embedded default workflow document and
// artifact schemas, so warden serves a complete seven-phase workflow out of
// the box. On-disk files under .warden/ override these.
package templates

import "embed"

// Workflows contains embedded workflow documents.
//
//go:embed workflows/*.yaml
var Workflows embed.FS

// Schemas contains embedded artifact and evidence schemas, keyed by file
// base name in the schema registry.
//
//go:embed schemas/*.json
var Schemas embed.FS

// DefaultWorkflowPath is the embedded path of the default workflow document.
const DefaultWorkflowPath = "workflows/default.yaml"
