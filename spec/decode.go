package spec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeEnvironment unmarshals an environment from JSON or YAML. JSON input
// is checked for duplicate machine names, which encoding/json would silently
// collapse; the YAML decoder rejects duplicate keys on its own.
func DecodeEnvironment(data []byte) (Environment, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeJSON(trimmed)
	}

	var env Environment
	if err := yaml.Unmarshal(data, &env); err != nil {
		return Environment{}, fmt.Errorf("decode environment: %w", err)
	}
	return env, nil
}

func decodeJSON(data []byte) (Environment, error) {
	var raw struct {
		Recipe   *Recipe                    `json:"recipe"`
		Machines map[string]json.RawMessage `json:"machines"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Environment{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := checkDuplicateKeys(data, "machines"); err != nil {
		return Environment{}, err
	}

	env := Environment{
		Recipe:   raw.Recipe,
		Machines: make(map[string]MachineConfig, len(raw.Machines)),
	}
	for name, machineData := range raw.Machines {
		if err := checkDuplicateKeys(machineData, "servers"); err != nil {
			return Environment{}, fmt.Errorf("machine %q: %w", name, err)
		}
		var mc MachineConfig
		if err := json.Unmarshal(machineData, &mc); err != nil {
			return Environment{}, fmt.Errorf("machine %q: %w", name, err)
		}
		env.Machines[name] = mc
	}
	return env, nil
}

// checkDuplicateKeys checks whether a JSON object at the given field name
// contains duplicate keys.
func checkDuplicateKeys(data []byte, field string) error {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil // let the typed unmarshal report it
	}

	fieldData, ok := outer[field]
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(fieldData))
	return checkObjectDuplicates(dec, field)
}

func checkObjectDuplicates(dec *json.Decoder, context string) error {
	t, err := dec.Token()
	if err != nil {
		return nil
	}
	delim, ok := t.(json.Delim)
	if !ok || delim != '{' {
		return nil
	}

	seen := make(map[string]bool)
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := t.(string)
		if !ok {
			return nil
		}
		if seen[key] {
			return fmt.Errorf("duplicate %s key: %q", context, key)
		}
		seen[key] = true

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil
		}
	}
	return nil
}
