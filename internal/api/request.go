package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxBodySize caps a decoded request body at 1 MB.
const MaxBodySize = 1 << 20

var errEmptyBody = errors.New("request body is empty")

// DecodeJSON decodes an operator request body into dst. Fields dst does not
// declare are rejected.
func DecodeJSON(r *http.Request, dst interface{}) error {
	return decodeJSON(r, dst, true)
}

// DecodeJSONLenient decodes a collaborator callback. Callers outside this
// service add their own fields, so unknown keys are ignored.
func DecodeJSONLenient(r *http.Request, dst interface{}) error {
	return decodeJSON(r, dst, false)
}

func decodeJSON(r *http.Request, dst interface{}, strict bool) error {
	if r.Body == nil {
		return errEmptyBody
	}
	r.Body = http.MaxBytesReader(nil, r.Body, MaxBodySize)

	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	return nil
}

// decodeError rewrites encoding/json errors into messages safe to return to
// the client.
func decodeError(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		sizeErr   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		return errEmptyBody
	case errors.As(err, &sizeErr):
		return fmt.Errorf("request body exceeds maximum size of %d bytes", MaxBodySize)
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("malformed JSON at position %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Errorf("invalid value for field %q: expected %s", typeErr.Field, typeErr.Type)
	}
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return fmt.Errorf("unknown field %s", field)
	}
	return errors.New("invalid JSON in request body")
}
