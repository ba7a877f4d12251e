// Package schemas embeds the JSON Schemas for structured LLM output and
// generated artifacts.
package schemas

import "embed"

// Files holds every *.schema.json file in this directory.
//
//go:embed *.schema.json
var Files embed.FS

// Schema file names
const (
	KGExtraction = "kg_extraction.schema.json"
	Outline      = "outline.schema.json"
	BookMetadata = "book_metadata.schema.json"
	RunRequest   = "run_request.schema.json"
)
