package tools

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type manifestFile struct {
	Capabilities []Contract `yaml:"capabilities"`
}

// DefaultContracts is the capability set served when no manifest is given.
func DefaultContracts() []Contract {
	return []Contract{
		{
			Name:          DICOMProcessor,
			Description:   "Converts a DICOM study into a PNG the other capabilities can read. Use it first whenever the image is a DICOM file.",
			RequiresImage: true,
		},
		{
			Name:          Classifier,
			Description:   "Scores a frontal chest X-ray for 18 pathologies (Atelectasis, Cardiomegaly, Consolidation, Edema, Effusion, Emphysema, Fibrosis, Hernia, Infiltration, Mass, Nodule, Pleural_Thickening, Pneumonia, Pneumothorax and others). Returns one probability per label.",
			RequiresImage: true,
			Output: Schema{Properties: map[string]Property{
				"scores": {Type: "object", Description: "label to probability"},
			}},
		},
		{
			Name:          Segmentation,
			Description:   "Segments anatomical structures (lungs, heart, clavicles, spine) on a chest X-ray and returns an overlay image with per-structure area metrics.",
			RequiresImage: true,
		},
		{
			Name:          ReportGenerator,
			Description:   "Drafts a radiology report with findings and impression sections for a chest X-ray.",
			RequiresImage: true,
		},
		{
			Name:          XRayVQA,
			Description:   "Answers a free-text question about a chest X-ray.",
			RequiresImage: true,
			Input: Schema{
				Required: []string{FieldInstruction},
			},
		},
		{
			Name:        LlavaMedQA,
			Description: "Answers biomedical questions, optionally about an image. Less reliable than the chest X-ray specific capabilities for detailed film reads.",
			Input: Schema{
				Required: []string{FieldInstruction},
			},
		},
		{
			Name:          PhraseGrounding,
			Description:   "Locates a finding phrase (for example 'Pleural effusion') on a frontal chest X-ray. Returns relative bounding boxes and a visualization image.",
			RequiresImage: true,
			Input: Schema{
				Properties: map[string]Property{
					"phrase":         {Type: "string", Description: "Finding to locate"},
					"max_new_tokens": {Type: "integer", Description: "Generation limit"},
				},
			},
		},
		{
			Name:          ImageVisualizer,
			Description:   "Shows the image to the user, optionally with a title. Use it when the user asks to see the image.",
			RequiresImage: true,
			Input: Schema{
				Properties: map[string]Property{
					"title": {Type: "string", Description: "Caption for the image"},
				},
			},
		},
	}
}

// LoadManifest reads capability contracts from a YAML file. An empty path
// returns the defaults.
func LoadManifest(path string) ([]Contract, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultContracts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) ([]Contract, error) {
	var manifest manifestFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("parse capability manifest: %w", err)
	}
	if len(manifest.Capabilities) == 0 {
		return nil, fmt.Errorf("capability manifest lists no capabilities")
	}
	seen := map[string]struct{}{}
	for i, contract := range manifest.Capabilities {
		name := strings.TrimSpace(contract.Name)
		if name == "" {
			return nil, fmt.Errorf("capability %d has no name", i)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("capability %s listed twice", name)
		}
		seen[name] = struct{}{}
		manifest.Capabilities[i].Name = name
	}
	return manifest.Capabilities, nil
}

// NewRegistryFromContracts registers every contract against the capability
// service, except those served by a local capability.
func NewRegistryFromContracts(contracts []Contract, client *Client, local []Capability, opts ...RegistryOption) (*Registry, error) {
	registry := NewRegistry(opts...)
	localNames := map[string]struct{}{}
	for _, capability := range local {
		if err := registry.Register(capability); err != nil {
			return nil, err
		}
		localNames[capability.Contract().Name] = struct{}{}
	}
	for _, contract := range contracts {
		if _, ok := localNames[contract.Name]; ok {
			continue
		}
		if err := registry.Register(NewRemoteCapability(contract, client)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
