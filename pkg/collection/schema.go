package collection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/solidb/solidb/pkg/types"
)

// schemaDef is the YAML shape a collection's schema document takes: a
// required-field list plus a per-field primitive type constraint. This is
// deliberately a small subset of JSON Schema, not a full implementation.
type schemaDef struct {
	Required   []string          `yaml:"required"`
	Properties map[string]string `yaml:"properties"` // field -> "string"|"number"|"bool"|"array"|"object"
}

// compiledSchema is the validator derived from a schemaDef, cached by
// content hash so a schema edit invalidates exactly the entries it affects.
type compiledSchema struct {
	def schemaDef
}

func compileSchema(raw []byte) (*compiledSchema, error) {
	var def schemaDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("collection: parse schema: %w", err)
	}
	return &compiledSchema{def: def}, nil
}

// validate returns every violation found; an empty slice means the payload
// satisfies the schema.
func (c *compiledSchema) validate(payload map[string]any) []string {
	var violations []string
	for _, field := range c.def.Required {
		if _, ok := payload[field]; !ok {
			violations = append(violations, fmt.Sprintf("missing required field %q", field))
		}
	}
	for field, wantType := range c.def.Properties {
		v, ok := payload[field]
		if !ok {
			continue
		}
		if !matchesType(v, wantType) {
			violations = append(violations, fmt.Sprintf("field %q: expected %s", field, wantType))
		}
	}
	return violations
}

func matchesType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func hashSchema(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// schemaValidatorCache compiles and memoizes validators by content hash, so
// a schema change (detected by a changed hash) transparently invalidates
// the previously compiled entry. Grounded on the pack's use of
// hashicorp/golang-lru for bounded, concurrency-safe memoization.
type schemaValidatorCache struct {
	cache *lru.Cache[string, *compiledSchema]
}

func newSchemaValidatorCache(size int) *schemaValidatorCache {
	c, err := lru.New[string, *compiledSchema](size)
	if err != nil {
		// size is always a positive compile-time constant in practice; a
		// non-positive size is a programmer error, not a runtime condition.
		panic(err)
	}
	return &schemaValidatorCache{cache: c}
}

func (s *schemaValidatorCache) get(schema *types.Schema) (*compiledSchema, error) {
	hash := hashSchema(schema.Raw)
	if cs, ok := s.cache.Get(hash); ok {
		return cs, nil
	}
	cs, err := compileSchema(schema.Raw)
	if err != nil {
		return nil, err
	}
	s.cache.Add(hash, cs)
	return cs, nil
}
