package jsonapi

import (
	"encoding/json"
	"strings"
)

// MediaType is the content type used for JSON:API request and response bodies.
const MediaType = "application/vnd.api+json"

// Document is the top-level JSON:API envelope. A response carries either Data or Errors.
type Document struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// Resource is a single resource object.
type Resource struct {
	ID            string                  `json:"id,omitempty"`
	Type          string                  `json:"type"`
	Attributes    json.RawMessage         `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Links         Links                   `json:"links,omitempty"`
}

// Relationship links a resource to a single related resource identifier.
type Relationship struct {
	Data *Identifier `json:"data"`
}

// Identifier is a resource linkage (type + id).
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Links holds the links member of a resource.
type Links struct {
	Self string `json:"self,omitempty"`
}

// Error is one entry of an errors list.
type Error struct {
	Title  string       `json:"title"`
	Detail string       `json:"detail"`
	Code   string       `json:"code,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
}

// ErrorSource points at the request member that caused an error.
type ErrorSource struct {
	Pointer string `json:"pointer,omitempty"`
}

// FormatErrors renders errs as "<title>: <detail>" entries joined by ", ", in input order.
func FormatErrors(errs []Error) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Title+": "+e.Detail)
	}
	return strings.Join(parts, ", ")
}

// APIError is returned when the server answers with a non-empty errors list.
type APIError struct {
	Status int
	Errors []Error
}

func (e *APIError) Error() string {
	return FormatErrors(e.Errors)
}

// Encode wraps a resource in a data document.
func Encode(res Resource) ([]byte, error) {
	return json.Marshal(map[string]any{"data": res})
}

// Decode parses body into a Document. A document with a non-empty errors list yields an *APIError;
// otherwise the primary data is unmarshalled into a Resource.
func Decode(status int, body []byte) (*Resource, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &DecodeError{Status: status, Err: err}
	}
	if len(doc.Errors) > 0 {
		return nil, &APIError{Status: status, Errors: doc.Errors}
	}
	if len(doc.Data) == 0 || string(doc.Data) == "null" {
		return nil, &DecodeError{Status: status, Err: errMissingData}
	}

	var res Resource
	if err := json.Unmarshal(doc.Data, &res); err != nil {
		return nil, &DecodeError{Status: status, Err: err}
	}
	return &res, nil
}
