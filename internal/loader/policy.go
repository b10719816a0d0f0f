package loader

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"taskforge/internal/policy"
)

// LoadRules decodes a policy file over the built-in rules. Sections absent
// from the file keep their defaults; a missing file yields the defaults.
func LoadRules(path string) (policy.Rules, error) {
	rules := policy.DefaultRules()
	if path == "" {
		return rules, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rules, nil
	}
	if err != nil {
		return rules, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&rules); err != nil {
		return policy.DefaultRules(), err
	}
	return rules, nil
}
