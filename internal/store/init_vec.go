//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Builds tagged sqlite_vec link the sqlite-vec extension into every
// mattn/go-sqlite3 connection, which lets initVectorExtension create
// the tool_vec index. Untagged builds fall back to brute-force search.
func init() {
	vec.Auto()
}
