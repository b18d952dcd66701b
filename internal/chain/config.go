package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the chain definition file, keyed by CAIP-2 identifier.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint.
type Definition struct {
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain endpoints. An empty
// path yields an empty set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for caip2, def := range defs.Chains {
		if !IsEVM(caip2) && !IsSolana(caip2) {
			return Definitions{}, fmt.Errorf("chain %q is not a CAIP-2 identifier", caip2)
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return Definitions{}, fmt.Errorf("chain %s has no rpc_url", caip2)
		}
	}
	return defs, nil
}

// Merge overlays endpoints onto the definitions, replacing existing entries.
func (d Definitions) Merge(endpoints map[string]string) Definitions {
	out := Definitions{Chains: make(map[string]Definition, len(d.Chains)+len(endpoints))}
	for k, v := range d.Chains {
		out.Chains[k] = v
	}
	for caip2, url := range endpoints {
		if strings.TrimSpace(url) == "" {
			continue
		}
		def := out.Chains[caip2]
		def.RPCURL = url
		out.Chains[caip2] = def
	}
	return out
}

// EVM returns the EVM-family definitions keyed by CAIP-2 identifier.
func (d Definitions) EVM() map[string]Definition {
	out := make(map[string]Definition)
	for caip2, def := range d.Chains {
		if IsEVM(caip2) {
			out[caip2] = def
		}
	}
	return out
}
