package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeResponse reads and validates a Response from r.
// It returns the raw bytes read so callers can log unparseable output.
func DecodeResponse(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if len(data) == 0 {
		return nil, data, fmt.Errorf("entrypoint produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("entrypoint output is not valid JSON: %w", err)
	}

	if err := resp.validate(); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func (r *Response) validate() error {
	if r.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}

	if r.Status != "ok" && r.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	}

	if r.Status == "error" && r.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	return nil
}
