package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

// maxDescriptorHeader bounds the encoded descriptor size.
const maxDescriptorHeader = 8 << 10

// ErrInvalidDescriptor is returned for a missing, malformed or out-of-schema
// query descriptor.
var ErrInvalidDescriptor = errors.New("invalid query descriptor")

const descriptorSchemaV1 = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"required": ["v", "query_type", "payment_amount"],
	"properties": {
		"v": {"const": 1},
		"query_type": {"enum": ["extract_content", "search", "data_query", "summarize"]},
		"parameters": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"path": {"type": "string", "maxLength": 2048},
				"selector": {"type": "string", "maxLength": 512},
				"query": {"type": "string", "maxLength": 2048},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100},
				"format": {"enum": ["text", "json", "markdown", "html"]}
			}
		},
		"payment_amount": {"type": "integer", "minimum": 1},
		"asset_id": {"type": "integer", "minimum": 0}
	}
}`

var descriptorSchema = mustSchema(descriptorSchemaV1)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile descriptor schema: %v", err))
	}
	return schema
}

// EncodeDescriptor renders d for the X-AgentWeb-Query header.
func EncodeDescriptor(d domain.QueryDescriptor) (string, error) {
	if d.Version == 0 {
		d.Version = domain.QueryDescriptorVersion
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal query descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeDescriptor validates the header against the v1 schema and decodes it.
func DecodeDescriptor(header string) (domain.QueryDescriptor, error) {
	var d domain.QueryDescriptor

	header = strings.TrimSpace(header)
	if header == "" {
		return d, fmt.Errorf("%w: header is missing", ErrInvalidDescriptor)
	}
	if len(header) > maxDescriptorHeader {
		return d, fmt.Errorf("%w: header exceeds %d bytes", ErrInvalidDescriptor, maxDescriptorHeader)
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return d, fmt.Errorf("%w: not base64", ErrInvalidDescriptor)
	}

	result, err := descriptorSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return d, fmt.Errorf("%w: not JSON: %v", ErrInvalidDescriptor, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return d, fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(problems, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return d, nil
}
