package onedrive

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/driveput/driveput"
)

// encodeJSON marshals a request payload into a reader.
func encodeJSON(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, driveput.WrapErr(driveput.KindBackendProtocol, err, "onedrive: encoding request body")
	}

	return bytes.NewReader(raw), nil
}

// decodeJSON parses a response body. A body that fails to parse is an
// unexpected backend response, not a transport failure.
func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return driveput.WrapErr(driveput.KindBackendProtocol, err, "onedrive: decoding response body")
	}

	return nil
}

// drain consumes a response body so the connection can be reused.
func drain(r io.Reader) {
	io.Copy(io.Discard, r) //nolint:errcheck // best-effort drain
}
