package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the configuration file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		DoNotReference: true,
	}
	s := r.Reflect(&Config{})
	s.Title = "refinery configuration"
	s.Description = "Quality-controlled generation orchestrator settings"
	return json.MarshalIndent(s, "", "  ")
}
