package imaging

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	calls []string
	err   error
}

func (f *fakeRenderer) Render(src string, dst string) error {
	f.calls = append(f.calls, src)
	if f.err != nil {
		return f.err
	}
	return writePNG(dst, image.NewGray(image.Rect(0, 0, 2, 2)))
}

func newTestResolver(t *testing.T, renderer Renderer) *Resolver {
	t.Helper()
	root := t.TempDir()
	r, err := NewResolver(filepath.Join(root, "uploads"), filepath.Join(root, "artifacts"), WithRenderer(renderer))
	require.NoError(t, err)
	return r
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func dicomBytes() []byte {
	data := make([]byte, 256)
	copy(data[128:], "DICM")
	return data
}

func TestIngestUpload_RasterDisplaysItself(t *testing.T) {
	renderer := &fakeRenderer{}
	r := newTestResolver(t, renderer)

	ref, err := r.IngestUpload(context.Background(), "chest.PNG", bytes.NewReader(pngBytes(t)), "case-7")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref.Ref, "uploads/case-7/upload_"))
	require.True(t, strings.HasSuffix(ref.Ref, ".png"))
	require.Equal(t, "/"+ref.Ref, ref.DisplayPath)
	require.FileExists(t, ref.OriginPath)
	require.Empty(t, renderer.calls)
}

func TestIngestUpload_DICOMRendersToPNG(t *testing.T) {
	renderer := &fakeRenderer{}
	r := newTestResolver(t, renderer)

	ref, err := r.IngestUpload(context.Background(), "study.dcm", bytes.NewReader(dicomBytes()), "")
	require.NoError(t, err)
	require.NotEqual(t, ref.OriginPath, ref.DisplayPath)
	require.True(t, strings.HasPrefix(ref.DisplayPath, ArtifactRoute+"/"))
	require.True(t, strings.HasSuffix(ref.DisplayPath, ".png"))
	require.Equal(t, []string{ref.OriginPath}, renderer.calls)

	resolved, err := r.Resolve(strings.TrimPrefix(ref.DisplayPath, "/"))
	require.NoError(t, err)
	require.FileExists(t, resolved.OriginPath)
}

func TestIngestUpload_DetectsDICOMWithoutExtension(t *testing.T) {
	renderer := &fakeRenderer{}
	r := newTestResolver(t, renderer)

	ref, err := r.IngestUpload(context.Background(), "IM0001", bytes.NewReader(dicomBytes()), "")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(ref.OriginPath, ".dcm"))
	require.Len(t, renderer.calls, 1)
}

func TestIngestUpload_RejectsUnsupportedFormat(t *testing.T) {
	r := newTestResolver(t, &fakeRenderer{})

	_, err := r.IngestUpload(context.Background(), "notes.txt", strings.NewReader("hello"), "")
	require.ErrorIs(t, err, ErrUnsupportedImage)

	_, err = r.IngestUpload(context.Background(), "blob", strings.NewReader("hello"), "")
	require.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestIngestUpload_RenderFailureRemovesUpload(t *testing.T) {
	r := newTestResolver(t, &fakeRenderer{err: errors.New("corrupt")})

	_, err := r.IngestUpload(context.Background(), "study.dcm", bytes.NewReader(dicomBytes()), "")
	require.ErrorContains(t, err, "corrupt")

	entries, err := os.ReadDir(r.UploadDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestIngestUpload_EnforcesSizeLimit(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(filepath.Join(root, "u"), filepath.Join(root, "a"), WithMaxUploadBytes(8))
	require.NoError(t, err)

	_, err = r.IngestUpload(context.Background(), "big.png", bytes.NewReader(pngBytes(t)), "")
	require.ErrorContains(t, err, "exceeds")
}

func TestResolve_RejectsTraversalAndUnknown(t *testing.T) {
	r := newTestResolver(t, &fakeRenderer{})

	for _, ref := range []string{"", "etc/passwd", "uploads/../../etc/passwd", "uploads/", "artifacts/missing.png", "/tmp/x.png"} {
		_, err := r.Resolve(ref)
		require.ErrorIs(t, err, ErrUnknownReference, ref)
	}
}

func TestResolve_AcceptsLeadingSlash(t *testing.T) {
	r := newTestResolver(t, &fakeRenderer{})
	ref, err := r.IngestUpload(context.Background(), "a.jpg", bytes.NewReader([]byte("jpeg")), "")
	require.NoError(t, err)

	resolved, err := r.Resolve("/" + ref.Ref)
	require.NoError(t, err)
	require.Equal(t, ref.OriginPath, resolved.OriginPath)
	require.Equal(t, ref.DisplayPath, resolved.DisplayPath)
}

func TestPublish_CopiesExternalArtifacts(t *testing.T) {
	r := newTestResolver(t, &fakeRenderer{})
	external := filepath.Join(t.TempDir(), "mask.png")
	require.NoError(t, os.WriteFile(external, pngBytes(t), 0o644))

	published, err := r.Publish(external)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(published.DisplayPath, ArtifactRoute+"/artifact_"))
	require.FileExists(t, published.OriginPath)

	again, err := r.Publish(published.OriginPath)
	require.NoError(t, err)
	require.Equal(t, published.DisplayPath, again.DisplayPath)

	_, err = r.Publish(filepath.Join(t.TempDir(), "gone.png"))
	require.ErrorIs(t, err, ErrUnknownReference)
}

func TestToGray8_NormalizesAndWindows(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 3, 1))
	src.SetGray16(0, 0, color.Gray16{Y: 100})
	src.SetGray16(1, 0, color.Gray16{Y: 200})
	src.SetGray16(2, 0, color.Gray16{Y: 300})

	stretched := ToGray8(src, Modality{}, Window{}, false)
	require.Equal(t, []uint8{0, 128, 255}, stretched.Pix)

	windowed := ToGray8(src, Modality{}, Window{Center: 200, Width: 100}, false)
	require.Equal(t, []uint8{0, 128, 255}, windowed.Pix)

	narrow := ToGray8(src, Modality{}, Window{Center: 250, Width: 2}, false)
	require.Equal(t, []uint8{0, 0, 255}, narrow.Pix)

	inverted := ToGray8(src, Modality{}, Window{}, true)
	require.Equal(t, []uint8{255, 128, 0}, inverted.Pix)
}

func TestToGray8_FlatImage(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 2, 2))
	out := ToGray8(src, Modality{}, Window{}, false)
	require.Equal(t, []uint8{0, 0, 0, 0}, out.Pix)
}

func TestToGray8_AppliesModalityLUT(t *testing.T) {
	signed := image.NewGray16(image.Rect(0, 0, 3, 1))
	signed.SetGray16(0, 0, color.Gray16{Y: 0xFC18}) // -1000
	signed.SetGray16(1, 0, color.Gray16{Y: 0})
	signed.SetGray16(2, 0, color.Gray16{Y: 1000})
	out := ToGray8(signed, Modality{Signed: true, BitsStored: 16}, Window{Center: 0, Width: 2000}, false)
	require.Equal(t, []uint8{0, 128, 255}, out.Pix)

	unsigned := ToGray8(signed, Modality{}, Window{Center: 0, Width: 2000}, false)
	require.Equal(t, []uint8{255, 128, 255}, unsigned.Pix)

	rescaled := image.NewGray16(image.Rect(0, 0, 3, 1))
	rescaled.SetGray16(0, 0, color.Gray16{Y: 0})
	rescaled.SetGray16(1, 0, color.Gray16{Y: 512})
	rescaled.SetGray16(2, 0, color.Gray16{Y: 1024})
	out = ToGray8(rescaled, Modality{Slope: 2, Intercept: -1024}, Window{Center: 0, Width: 2048}, false)
	require.Equal(t, []uint8{0, 128, 255}, out.Pix)
}

func TestModality_SignExtendsNarrowSamples(t *testing.T) {
	m := Modality{Signed: true, BitsStored: 12}
	require.Equal(t, -2048.0, m.value(0x0800))
	require.Equal(t, 2047.0, m.value(0x07FF))
	require.Equal(t, -1.0, m.value(0xFFFF))
	require.Equal(t, 2048.0, Modality{}.value(0x0800))
}

func TestDICOMRenderer_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dcm")
	require.NoError(t, os.WriteFile(path, dicomBytes(), 0o644))
	err := DICOMRenderer{}.Render(path, filepath.Join(t.TempDir(), "out.png"))
	require.Error(t, err)
}
