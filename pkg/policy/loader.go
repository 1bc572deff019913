// ABOUTME: Catalog loading from YAML with JSON-schema checking
// ABOUTME: Ships an embedded default catalog for the alert-script runtime

package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

//go:embed catalog.schema.json
var catalogSchemaJSON []byte

const schemaResource = "inmemory://policy/catalog.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(catalogSchemaJSON)); err != nil {
		return nil, errors.Wrap(err, "add catalog schema")
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, errors.Wrap(err, "compile catalog schema")
	}
	return schema, nil
})

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return Load(defaultCatalogYAML)
})

// Default returns the built-in catalog
func Default() (*Catalog, error) {
	return defaultCatalog()
}

// DefaultDocument returns the raw built-in catalog, for exporting and editing
func DefaultDocument() []byte {
	return bytes.Clone(defaultCatalogYAML)
}

// LoadFile reads a catalog from disk
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read catalog %s", path)
	}
	c, err := Load(data)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %s", path)
	}
	return c, nil
}

// Load checks data against the catalog schema and compiles it
func Load(data []byte) (*Catalog, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode catalog yaml")
	}
	payload, err := normalize(raw)
	if err != nil {
		return nil, err
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(payload); err != nil {
		return nil, errors.Wrap(err, "catalog schema validation failed")
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return New(doc)
}

// normalize round-trips through JSON so the validator sees JSON types only
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "normalize catalog")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "normalize catalog")
	}
	return out, nil
}
