package conflict

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldPolicy classifies a resource type's fields for the merge action.
// Clinical fields prefer the external source; administrative fields
// always keep the local value.
type FieldPolicy struct {
	Clinical       []string `yaml:"clinical"`
	Administrative []string `yaml:"administrative"`
}

// Policy maps resource types to their field classification. Loaded from
// the match policy document so new resource types need no code change.
type Policy struct {
	Resources map[string]FieldPolicy `yaml:"conflict_resources"`
}

// DefaultPolicy covers the Patient resource.
func DefaultPolicy() *Policy {
	return &Policy{
		Resources: map[string]FieldPolicy{
			"Patient": {
				Clinical: []string{
					"birth_date", "gender", "first_name", "middle_name", "last_name",
				},
				Administrative: []string{
					"notes", "source_channel", "phone", "email",
					"address_line", "address_city", "address_state", "address_postal_code",
				},
			},
		},
	}
}

// LoadPolicy reads the conflict_resources section of the policy file.
// A missing file falls back to the built-in defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conflict policy %s: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse conflict policy %s: %w", path, err)
	}
	return p, nil
}

// FieldsFor returns the classification for a resource type, empty when
// the type is unknown (everything then defaults to administrative).
func (p *Policy) FieldsFor(resourceType string) FieldPolicy {
	return p.Resources[resourceType]
}

func (fp FieldPolicy) isClinical(field string) bool {
	for _, f := range fp.Clinical {
		if f == field {
			return true
		}
	}
	return false
}

// MergePayloads applies the merge action field by field: clinical
// fields prefer source, administrative and unclassified fields keep
// local, and a field present on one side only is adopted.
func MergePayloads(fp FieldPolicy, source, local map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(local)+len(source))
	for k, v := range local {
		result[k] = v
	}
	for k, sv := range source {
		if _, inLocal := local[k]; !inLocal {
			result[k] = sv
			continue
		}
		if fp.isClinical(k) {
			result[k] = sv
		}
	}
	return result
}

// OverlaySource applies the use_source action: every mapped field in
// the source payload overwrites the local value; source-only fields
// are adopted too.
func OverlaySource(fp FieldPolicy, source, local map[string]interface{}) map[string]interface{} {
	mapped := make(map[string]bool, len(fp.Clinical)+len(fp.Administrative))
	for _, f := range fp.Clinical {
		mapped[f] = true
	}
	for _, f := range fp.Administrative {
		mapped[f] = true
	}

	result := make(map[string]interface{}, len(local)+len(source))
	for k, v := range local {
		result[k] = v
	}
	for k, sv := range source {
		if _, inLocal := local[k]; !inLocal || mapped[k] {
			result[k] = sv
		}
	}
	return result
}
