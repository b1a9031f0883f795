// Package api carries the public HTTP contract.
package api

import _ "embed"

// OpenAPISpec is the embedded OpenAPI document the server validates
// requests against.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
