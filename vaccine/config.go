package vaccine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// =============================================================================
// JSON SCHEMA
// =============================================================================
//
//   {
//     "formulations": [
//       {"vaccine": "nOPV2", "doses_per_vial": 50},
//       {"vaccine": "mOPV2", "doses_per_vial": 20}
//     ]
//   }

// FormulationJSON is one entry of a formulation file.
type FormulationJSON struct {
	Vaccine      string `json:"vaccine"`
	DosesPerVial int    `json:"doses_per_vial"`
}

// FormulationsJSON is the top-level document of a formulation file.
type FormulationsJSON struct {
	Formulations []FormulationJSON `json:"formulations"`
}

// ParseFormulations reads a formulation table from JSON.
// Codes must be non-empty and unique, constants strictly positive.
func ParseFormulations(data []byte) (Formulations, error) {
	var doc FormulationsJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid formulations JSON: %w", err)
	}

	table := make(Formulations, len(doc.Formulations))
	for i, entry := range doc.Formulations {
		code := strings.TrimSpace(entry.Vaccine)
		if code == "" {
			return nil, fmt.Errorf("formulation %d: vaccine code is required", i)
		}
		if entry.DosesPerVial <= 0 {
			return nil, fmt.Errorf("formulation %q: doses_per_vial must be positive, got %d", code, entry.DosesPerVial)
		}
		if table.Known(Type(code)) {
			return nil, fmt.Errorf("formulation %q: declared twice", code)
		}
		table[Type(code)] = entry.DosesPerVial
	}
	return table, nil
}

// LoadFormulations reads a formulation file and overlays it on the defaults.
// An empty path returns the defaults unchanged.
func LoadFormulations(path string) (Formulations, error) {
	if path == "" {
		return DefaultFormulations(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read formulations: %w", err)
	}
	overrides, err := ParseFormulations(data)
	if err != nil {
		return nil, err
	}
	return DefaultFormulations().With(overrides), nil
}
