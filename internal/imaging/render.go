package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Renderer turns a non-raster study file into a PNG the browser can show.
type Renderer interface {
	Render(src string, dst string) error
}

// Window is a DICOM VOI window. A zero Width means min/max normalization.
type Window struct {
	Center float64
	Width  float64
}

// Modality is the DICOM modality LUT: stored pixel values become
// Slope*raw+Intercept. Signed data is two's complement in BitsStored bits.
type Modality struct {
	Slope      float64
	Intercept  float64
	Signed     bool
	BitsStored int
}

func (m Modality) value(raw uint16) float64 {
	v := float64(raw)
	if m.Signed {
		s := int32(int16(raw))
		if bits := m.BitsStored; bits > 0 && bits < 16 && s >= 0 && s&(1<<(bits-1)) != 0 {
			s -= 1 << bits
		}
		v = float64(s)
	}
	slope := m.Slope
	if slope == 0 {
		slope = 1
	}
	return v*slope + m.Intercept
}

type DICOMRenderer struct{}

func (DICOMRenderer) Render(src string, dst string) error {
	dataset, err := dicom.ParseFile(src, nil)
	if err != nil {
		return fmt.Errorf("parse dicom: %w", err)
	}
	pixelElement, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return fmt.Errorf("dicom has no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(pixelElement.Value)
	if len(info.Frames) == 0 {
		return errors.New("dicom has no frames")
	}
	frameImage, err := info.Frames[0].GetImage()
	if err != nil {
		return fmt.Errorf("decode dicom frame: %w", err)
	}

	modality := Modality{
		Slope:      firstFloat(dataset, tag.RescaleSlope),
		Intercept:  firstFloat(dataset, tag.RescaleIntercept),
		Signed:     firstInt(dataset, tag.PixelRepresentation) == 1,
		BitsStored: firstInt(dataset, tag.BitsStored),
	}
	window := Window{
		Center: firstFloat(dataset, tag.WindowCenter),
		Width:  firstFloat(dataset, tag.WindowWidth),
	}
	invert := false
	if elem, err := dataset.FindElementByTag(tag.PhotometricInterpretation); err == nil {
		values := dicom.MustGetStrings(elem.Value)
		invert = len(values) > 0 && strings.EqualFold(strings.TrimSpace(values[0]), "MONOCHROME1")
	}
	return writePNG(dst, ToGray8(frameImage, modality, window, invert))
}

func firstFloat(dataset dicom.Dataset, t tag.Tag) float64 {
	elem, err := dataset.FindElementByTag(t)
	if err != nil {
		return 0
	}
	values := dicom.MustGetStrings(elem.Value)
	if len(values) == 0 {
		return 0
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(values[0]), 64)
	if err != nil {
		return 0
	}
	return parsed
}

func firstInt(dataset dicom.Dataset, t tag.Tag) int {
	elem, err := dataset.FindElementByTag(t)
	if err != nil || elem.Value.ValueType() != dicom.Ints {
		return 0
	}
	values := dicom.MustGetInts(elem.Value)
	if len(values) == 0 {
		return 0
	}
	return values[0]
}

// ToGray8 maps any image onto 8-bit grayscale. Pixels go through the
// modality LUT first, then the window when it has a width, or a min..max
// stretch otherwise. Window center and width are in modality units.
func ToGray8(src image.Image, modality Modality, window Window, invert bool) *image.Gray {
	bounds := src.Bounds()
	values := make([]float64, 0, bounds.Dx()*bounds.Dy())
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := modality.value(color.Gray16Model.Convert(src.At(x, y)).(color.Gray16).Y)
			values = append(values, v)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if window.Width > 0 {
		lo = window.Center - window.Width/2
		hi = window.Center + window.Width/2
	}
	span := hi - lo
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for i, v := range values {
		level := 0.0
		if span > 0 {
			level = (v - lo) / span * 255
		}
		level = math.Max(0, math.Min(255, level))
		if invert {
			level = 255 - level
		}
		out.Pix[i] = uint8(math.Round(level))
	}
	return out
}

func writePNG(dst string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode png: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
