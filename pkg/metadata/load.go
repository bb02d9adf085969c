package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type modelFile struct {
	Name    string      `yaml:"name"`
	Classes []classFile `yaml:"classes"`
}

type classFile struct {
	Name        string      `yaml:"name"`
	Extends     []string    `yaml:"extends"`
	Attributes  []fieldFile `yaml:"attributes"`
	References  []fieldFile `yaml:"references"`
	Collections []fieldFile `yaml:"collections"`
	Keys        []keyFile   `yaml:"keys"`
}

type fieldFile struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type keyFile struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

// LoadModel reads a model from a YAML file
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return ParseModel(data)
}

// ParseModel builds a model from its YAML form
func ParseModel(data []byte) (*Model, error) {
	var mf modelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if mf.Name == "" {
		return nil, fmt.Errorf("%w: model has no name", ErrInvalidModel)
	}

	classes := make([]*ClassDescriptor, 0, len(mf.Classes))
	for _, cf := range mf.Classes {
		cld := &ClassDescriptor{Name: cf.Name, Extends: cf.Extends}
		for _, f := range cf.Attributes {
			cld.Fields = append(cld.Fields, &FieldDescriptor{Name: f.Name, Kind: Attribute, Type: f.Type})
		}
		for _, f := range cf.References {
			cld.Fields = append(cld.Fields, &FieldDescriptor{Name: f.Name, Kind: Reference, Type: f.Type})
		}
		for _, f := range cf.Collections {
			cld.Fields = append(cld.Fields, &FieldDescriptor{Name: f.Name, Kind: Collection, Type: f.Type})
		}
		for _, k := range cf.Keys {
			if len(k.Fields) == 0 {
				return nil, fmt.Errorf("%w: key %s.%s has no fields", ErrInvalidModel, cf.Name, k.Name)
			}
			cld.Keys = append(cld.Keys, PrimaryKey{Name: k.Name, Fields: k.Fields})
		}
		classes = append(classes, cld)
	}
	return NewModel(mf.Name, classes)
}
