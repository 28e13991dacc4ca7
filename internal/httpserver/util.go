package httpserver

import (
	"encoding/json"
	"io"
	"time"
)

// timeFormat renders API timestamps.
const timeFormat = time.RFC3339

// decodeJSON decodes a JSON request body into the destination struct and
// closes the reader.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
