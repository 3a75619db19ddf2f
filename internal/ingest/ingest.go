// Package ingest imports journal entries from files.
//
// Each supported format (Markdown, plain text, JSON, YAML, CSV) has its own
// importer that implements the Importer interface. The engine auto-detects
// formats by file extension, falls back to content sniffing, and writes the
// parsed entries to the entry store.
//
// Entry ids are stable across re-imports: an explicit id wins, otherwise
// the id is derived from the source file and the entry's position in it,
// so editing a file updates its entries instead of duplicating them.
package ingest
