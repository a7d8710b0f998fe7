// Package controlled classifies medication names against the ANVISA Portaria
// 344/98 controlled-substance lists.
package controlled

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Category describes one ANVISA list (A1, B1, C1, ...).
type Category struct {
	Code                 string `yaml:"code" json:"code"`
	Label                string `yaml:"label" json:"label"`
	RequiresNotification bool   `yaml:"requires_notification" json:"requires_notification"`
}

// Substance maps a name fragment to a category code. Table order matters.
type Substance struct {
	Name     string `yaml:"name" json:"name"`
	Category string `yaml:"category" json:"category"`
}

// Table is a versioned regulatory table.
type Table struct {
	Version    string      `yaml:"version" json:"version"`
	Categories []Category  `yaml:"categories" json:"categories"`
	Substances []Substance `yaml:"substances" json:"substances"`
}

// Validate rejects tables whose substances reference unknown categories.
func (t Table) Validate() error {
	if len(t.Substances) == 0 {
		return errors.New("no controlled substances configured")
	}
	known := make(map[string]bool, len(t.Categories))
	for _, c := range t.Categories {
		if c.Code == "" {
			return errors.New("category code is required")
		}
		known[c.Code] = true
	}
	for i, s := range t.Substances {
		if s.Name == "" {
			return fmt.Errorf("substances[%d]: name is required", i)
		}
		if !known[s.Category] {
			return fmt.Errorf("substances[%d] %q: unknown category %q", i, s.Name, s.Category)
		}
	}
	return nil
}

// LoadTable reads a table from a YAML file; an empty path yields DefaultTable.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Table{}, fmt.Errorf("read controlled table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(content, &t); err != nil {
		return Table{}, fmt.Errorf("parse controlled table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// DefaultTable is the built-in snapshot of Portaria 344/98 lists.
// configs/controlled_substances.yaml carries the same data.
func DefaultTable() Table {
	return Table{
		Version: "344-98/2024-01",
		Categories: []Category{
			{Code: "A1", Label: "Entorpecentes", RequiresNotification: true},
			{Code: "A2", Label: "Entorpecentes de uso permitido em concentrações especiais", RequiresNotification: true},
			{Code: "A3", Label: "Psicotrópicos", RequiresNotification: true},
			{Code: "B1", Label: "Psicotrópicos", RequiresNotification: true},
			{Code: "B2", Label: "Psicotrópicos anorexígenos", RequiresNotification: true},
			{Code: "C1", Label: "Outras substâncias sujeitas a controle especial", RequiresNotification: false},
			{Code: "C2", Label: "Retinóicas", RequiresNotification: true},
			{Code: "C3", Label: "Imunossupressoras", RequiresNotification: true},
			{Code: "C5", Label: "Anabolizantes", RequiresNotification: false},
		},
		Substances: []Substance{
			{Name: "morfina", Category: "A1"},
			{Name: "metadona", Category: "A1"},
			{Name: "oxicodona", Category: "A1"},
			{Name: "fentanil", Category: "A1"},
			{Name: "petidina", Category: "A1"},
			{Name: "hidromorfona", Category: "A1"},
			{Name: "codeina", Category: "A2"},
			{Name: "tramadol", Category: "A2"},
			{Name: "nalbufina", Category: "A2"},
			{Name: "lisdexanfetamina", Category: "A3"},
			{Name: "metilfenidato", Category: "A3"},
			{Name: "anfetamina", Category: "A3"},
			{Name: "clonazepam", Category: "B1"},
			{Name: "diazepam", Category: "B1"},
			{Name: "alprazolam", Category: "B1"},
			{Name: "lorazepam", Category: "B1"},
			{Name: "bromazepam", Category: "B1"},
			{Name: "midazolam", Category: "B1"},
			{Name: "zolpidem", Category: "B1"},
			{Name: "fenobarbital", Category: "B1"},
			{Name: "sibutramina", Category: "B2"},
			{Name: "anfepramona", Category: "B2"},
			{Name: "femproporex", Category: "B2"},
			{Name: "mazindol", Category: "B2"},
			{Name: "fluoxetina", Category: "C1"},
			{Name: "sertralina", Category: "C1"},
			{Name: "escitalopram", Category: "C1"},
			{Name: "amitriptilina", Category: "C1"},
			{Name: "carbamazepina", Category: "C1"},
			{Name: "quetiapina", Category: "C1"},
			{Name: "risperidona", Category: "C1"},
			{Name: "pregabalina", Category: "C1"},
			{Name: "gabapentina", Category: "C1"},
			{Name: "isotretinoina", Category: "C2"},
			{Name: "acitretina", Category: "C2"},
			{Name: "talidomida", Category: "C3"},
			{Name: "testosterona", Category: "C5"},
			{Name: "oxandrolona", Category: "C5"},
			{Name: "nandrolona", Category: "C5"},
		},
	}
}
