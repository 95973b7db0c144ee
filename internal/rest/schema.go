package rest

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://maskcreator.local/schemas/"

// Response schemas by file name.
const (
	schemaArgs      = "mask_creator_args.json"
	schemaMasks     = "masks.json"
	schemaBoxLayers = "box_layers.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

// loadSchemas compiles every embedded schema once.
func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = fmt.Errorf("read embedded schemas: %w", err)
			return
		}
		for _, e := range entries {
			data, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", e.Name(), err)
				return
			}
			if err := compiler.AddResource(schemaBase+e.Name(), bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", e.Name(), err)
				return
			}
		}

		compiled := make(map[string]*jsonschema.Schema, len(entries))
		for _, e := range entries {
			s, err := compiler.Compile(schemaBase + e.Name())
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", e.Name(), err)
				return
			}
			compiled[e.Name()] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}
