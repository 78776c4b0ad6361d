package payload

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Minimal envelope schemas. They pin down the identity fields a handler
// cannot proceed without; everything else stays optional so providers can
// evolve their payloads without breaking ingestion.
const (
	shopifyOrderSchema = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": ["integer", "string"]},
			"line_items": {"type": "array"}
		}
	}`

	shopifyProductSchema = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": ["integer", "string"]},
			"status": {"type": "string"}
		}
	}`

	shopifyInventorySchema = `{
		"type": "object",
		"required": ["inventory_item_id"],
		"properties": {
			"inventory_item_id": {"type": ["integer", "string"]},
			"available": {"type": ["integer", "null"]}
		}
	}`

	ebayNotificationSchema = `{
		"type": "object",
		"required": ["data"],
		"properties": {
			"data": {
				"type": "object",
				"required": ["orderId"],
				"properties": {
					"orderId": {"type": "string"}
				}
			}
		}
	}`

	joomOrderSchema = `{
		"type": "object",
		"anyOf": [
			{"required": ["id"]},
			{
				"required": ["order"],
				"properties": {
					"order": {"type": "object", "required": ["id"]}
				}
			}
		]
	}`
)

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	sources := map[string]string{
		"shopify-order.json":     shopifyOrderSchema,
		"shopify-product.json":   shopifyProductSchema,
		"shopify-inventory.json": shopifyInventorySchema,
		"ebay-notification.json": ebayNotificationSchema,
		"joom-order.json":        joomOrderSchema,
	}

	c := jsonschema.NewCompiler()
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			schemaErr = fmt.Errorf("parse schema %s: %w", name, err)
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}

	schemas = make(map[string]*jsonschema.Schema, len(sources))
	for name := range sources {
		sch, err := c.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		schemas[name] = sch
	}
}

// validate checks raw JSON against the named schema.
func validate(name string, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schemas[name].Validate(inst); err != nil {
		return fmt.Errorf("payload rejected by %s: %w", name, err)
	}
	return nil
}
