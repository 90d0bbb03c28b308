package helpsync

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	requestSchemaURL     = "https://helpsync.local/schema/help-request.json"
	requestListSchemaURL = "https://helpsync.local/schema/help-request-list.json"
)

const requestSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "title", "details", "lat", "lng", "isActive"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"details": {"type": "string"},
		"lat": {"type": "number", "minimum": -90, "maximum": 90},
		"lng": {"type": "number", "minimum": -180, "maximum": 180},
		"isActive": {"type": "boolean"}
	}
}`

const requestListSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {"$ref": "help-request.json"}
}`

type wireSchemas struct {
	request *jsonschema.Schema
	list    *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     wireSchemas
	schemasErr  error
)

func loadSchemas() (wireSchemas, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for url, raw := range map[string]string{
			requestSchemaURL:     requestSchemaJSON,
			requestListSchemaURL: requestListSchemaJSON,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema %s: %w", url, err)
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", url, err)
				return
			}
		}
		request, err := c.Compile(requestSchemaURL)
		if err != nil {
			schemasErr = err
			return
		}
		list, err := c.Compile(requestListSchemaURL)
		if err != nil {
			schemasErr = err
			return
		}
		schemas = wireSchemas{request: request, list: list}
	})
	return schemas, schemasErr
}

func validatePayload(schema *jsonschema.Schema, payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
