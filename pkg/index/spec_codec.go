package index

import (
	"encoding/json"

	"github.com/solidb/solidb/pkg/types"
)

// encodeSpec/decodeSpec persist a types.IndexSpec as JSON under its
// idx_meta: key. JSON (rather than yaml.v3, reserved for schema definitions
// per the domain stack) keeps index metadata self-describing and trivially
// forward-compatible with new IndexOptions fields.
func encodeSpec(spec types.IndexSpec) ([]byte, error) {
	return json.Marshal(spec)
}

func decodeSpec(b []byte) (types.IndexSpec, error) {
	var s types.IndexSpec
	if err := json.Unmarshal(b, &s); err != nil {
		return types.IndexSpec{}, err
	}
	return s, nil
}
