package deidentify

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/errors"
)

// TemplateFileName is the document shipped inside every archive telling the
// DRAW server which models to run.
const TemplateFileName = "autosegmentation_template.yml"

// templateDoc is the on-disk shape of the template document.
type templateDoc struct {
	Name     string           `yaml:"name"`
	Protocol string           `yaml:"protocol"`
	Models   map[int]modelDoc `yaml:"models"`
}

type modelDoc struct {
	Name        string         `yaml:"name"`
	Config      string         `yaml:"config"`
	Map         map[int]string `yaml:"map"`
	TrainerName string         `yaml:"trainer_name"`
	Postprocess string         `yaml:"postprocess"`
}

// WriteTemplateDocument renders the template hierarchy into dir and returns
// the file path.
func WriteTemplateDocument(template *datastore.AutosegTemplate, dir string) (string, error) {
	doc := templateDoc{
		Name:     template.Name,
		Protocol: template.Protocol,
		Models:   make(map[int]modelDoc, len(template.Models)),
	}
	if doc.Protocol == "" {
		doc.Protocol = "DRAW"
	}

	for i := range template.Models {
		model := &template.Models[i]
		md := modelDoc{
			Name:        model.Name,
			Config:      model.Config,
			Map:         make(map[int]string, len(model.Structures)),
			TrainerName: model.TrainerName,
			Postprocess: model.Postprocess,
		}
		for _, structure := range model.Structures {
			md.Map[structure.MapID] = structure.Name
		}
		doc.Models[model.ModelID] = md
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", errors.New(fmt.Errorf("marshaling template document: %w", err)).
			Component("deidentify").
			Category(errors.CategoryDeidentification).
			Build()
	}

	path := filepath.Join(dir, TemplateFileName)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", errors.New(fmt.Errorf("writing template document: %w", err)).
			Component("deidentify").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return path, nil
}
