package tools

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/medivision/control-plane/internal/imaging"
)

// ArtifactPaths hands out file names for produced images.
type ArtifactPaths interface {
	NewArtifactPath(prefix string, ext string) string
}

// ConvertCapability serves dicom_processor in-process.
type ConvertCapability struct {
	renderer imaging.Renderer
	paths    ArtifactPaths
	contract Contract
}

func NewConvertCapability(renderer imaging.Renderer, paths ArtifactPaths) *ConvertCapability {
	contract := Contract{Name: DICOMProcessor}
	for _, candidate := range DefaultContracts() {
		if candidate.Name == DICOMProcessor {
			contract = candidate
		}
	}
	return &ConvertCapability{renderer: renderer, paths: paths, contract: contract}
}

func (c *ConvertCapability) Contract() Contract {
	return c.contract
}

func (c *ConvertCapability) Invoke(ctx context.Context, input Input) (Output, error) {
	if imaging.IsRaster(filepath.Ext(input.ImagePath)) {
		return Output{Text: "The image is already a " + strings.TrimPrefix(strings.ToUpper(filepath.Ext(input.ImagePath)), ".") + " file; no conversion needed."}, nil
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	dst := c.paths.NewArtifactPath("dicom", ".png")
	if err := c.renderer.Render(input.ImagePath, dst); err != nil {
		return Output{}, err
	}
	return Output{Text: "Converted the DICOM study to PNG.", ImagePath: dst}, nil
}
