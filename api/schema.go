package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// errInvalidRequest marks a body that failed decoding or schema validation.
var errInvalidRequest = errors.New("api: invalid request")

const (
	hexAddress   = `{"type":"string","pattern":"^0x[0-9a-fA-F]{40}$"}`
	hexWord      = `{"type":"string","pattern":"^0x[0-9a-fA-F]{64}$"}`
	hexSignature = `{"type":"string","pattern":"^0x[0-9a-fA-F]{130}$"}`
	hexBytes     = `{"type":"string","pattern":"^0x([0-9a-fA-F]{2})*$"}`
	uintField    = `{"type":"integer","minimum":0}`
)

var settleSchema = `{
  "type": "object",
  "required": ["amount", "channelID", "hermesID", "preimage", "providerID", "signature", "gas", "nonce", "metaTxSignature"],
  "properties": {
    "amount":          {"type": "string", "pattern": "^[0-9]{1,78}$"},
    "chainID":         ` + uintField + `,
    "channelID":       ` + hexWord + `,
    "hermesID":        ` + hexAddress + `,
    "preimage":        ` + hexWord + `,
    "providerID":      ` + hexAddress + `,
    "signature":       ` + hexSignature + `,
    "gas":             {"type": "string", "pattern": "^[0-9]{1,20}$"},
    "nonce":           ` + uintField + `,
    "metaTxSignature": ` + hexSignature + `
  },
  "additionalProperties": false
}`

var forwardSchema = `{
  "type": "object",
  "required": ["from", "to", "relayer", "gas", "nonce", "data", "signature"],
  "properties": {
    "from":      ` + hexAddress + `,
    "to":        ` + hexAddress + `,
    "relayer":   ` + hexAddress + `,
    "gas":       {"type": "integer", "minimum": 1},
    "nonce":     ` + uintField + `,
    "data":      ` + hexBytes + `,
    "signature": ` + hexSignature + `
  },
  "additionalProperties": false
}`

var operationSchema = `{
  "type": "object",
  "required": ["from", "to", "gas"],
  "properties": {
    "from": ` + hexAddress + `,
    "to":   ` + hexAddress + `,
    "gas":  {"type": "integer", "minimum": 1},
    "data": ` + hexBytes + `
  },
  "additionalProperties": false
}`

// schemas holds the compiled request schemas.
type schemas struct {
	settle    *jsonschema.Schema
	forward   *jsonschema.Schema
	operation *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	var (
		s   schemas
		err error
	)
	if s.settle, err = compileSchema("settle", settleSchema); err != nil {
		return nil, err
	}
	if s.forward, err = compileSchema("forward", forwardSchema); err != nil {
		return nil, err
	}
	if s.operation, err = compileSchema("operation", operationSchema); err != nil {
		return nil, err
	}
	return &s, nil
}

var mustSchemas = func() *schemas {
	s, err := compileSchemas()
	if err != nil {
		panic("api: " + err.Error())
	}
	return s
}()

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}

	url := "metarelay://schema/" + name + ".json"

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return compiled, nil
}

// decodeValidated checks raw against schema and then decodes it into v.
func decodeValidated(schema *jsonschema.Schema, raw []byte, v any) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

// validateValue checks an already bound value against schema.
func validateValue(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}
