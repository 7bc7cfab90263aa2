package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// uploadRequest is the JSON upload form. Payload is base64 in JSON.
type uploadRequest struct {
	Payload             []byte          `json:"payload"`
	RegistryCredentials json.RawMessage `json:"registryCredentials,omitempty"`
}

// errRegistryUnsupported is returned for uploads that ask the server to pull
// from an OCI registry.
var errRegistryUnsupported = errors.New("pulling extensions from a registry is not supported")

// readPayload extracts the extension binary from a raw application/wasm (or
// application/octet-stream) body or from the JSON upload form.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body := http.MaxBytesReader(w, r.Body, s.maxPayload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/wasm", "application/octet-stream":
		binary, err := io.ReadAll(body)
		if err != nil {
			return nil, readStatus(err), fmt.Errorf("failed to read payload: %w", err)
		}
		if len(binary) == 0 {
			return nil, http.StatusBadRequest, errors.New("payload is required")
		}
		return binary, 0, nil
	}

	var req uploadRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, readStatus(err), fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.RegistryCredentials) > 0 && string(req.RegistryCredentials) != "null" {
		return nil, http.StatusNotImplemented, errRegistryUnsupported
	}
	if len(req.Payload) == 0 {
		return nil, http.StatusBadRequest, errors.New("payload is required")
	}
	return req.Payload, 0, nil
}

func readStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
