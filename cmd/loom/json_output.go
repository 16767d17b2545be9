package main

import (
	"encoding/json"
	"io"
)

// writeJSON prints v indented. Pre-encoded documents pass in as
// json.RawMessage and are re-indented the same way.
func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
