// Package batch provides helpers for MCP tools that accept one identifier or
// many.
//
// This package includes helpers for:
//   - Parsing parameters that accept both single values and arrays
//   - Running an operation per item without stopping on the first failure
//   - Formatting the per-item results in a consistent structure
package batch
