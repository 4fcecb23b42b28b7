// Package imaging maps study images between the files capabilities read and
// the routes the chat client renders.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	UploadRoute   = "/uploads"
	ArtifactRoute = "/artifacts"

	uploadRefPrefix   = "uploads/"
	artifactRefPrefix = "artifacts/"
)

var (
	ErrUnknownReference = errors.New("unknown image reference")
	ErrUnsupportedImage = errors.New("unsupported image format")

	unsafeSegmentRE = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Reference is an image the server manages. Ref is the opaque origin handle
// handed to clients; OriginPath is the file capabilities receive and never
// leaves the server; DisplayPath is a served route.
type Reference struct {
	Ref         string
	OriginPath  string
	DisplayPath string
}

type Resolver struct {
	uploadDir   string
	artifactDir string
	renderer    Renderer
	maxBytes    int64
	logger      *zap.Logger
}

type Option func(*Resolver)

func WithRenderer(renderer Renderer) Option {
	return func(r *Resolver) {
		r.renderer = renderer
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMaxUploadBytes(limit int64) Option {
	return func(r *Resolver) {
		r.maxBytes = limit
	}
}

func NewResolver(uploadDir string, artifactDir string, opts ...Option) (*Resolver, error) {
	uploadAbs, err := filepath.Abs(uploadDir)
	if err != nil {
		return nil, err
	}
	artifactAbs, err := filepath.Abs(artifactDir)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{uploadAbs, artifactAbs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create image dir: %w", err)
		}
	}
	r := &Resolver{
		uploadDir:   uploadAbs,
		artifactDir: artifactAbs,
		renderer:    DICOMRenderer{},
		maxBytes:    200 << 20,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Resolver) UploadDir() string {
	return r.uploadDir
}

func (r *Resolver) ArtifactDir() string {
	return r.artifactDir
}

// IngestUpload stores an uploaded study and prepares its display image.
func (r *Resolver) IngestUpload(ctx context.Context, filename string, body io.Reader, caseID string) (Reference, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !IsRaster(ext) && !isDICOMExt(ext) && ext != "" {
		return Reference{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, ext)
	}
	dir := r.uploadDir
	if segment := sanitizeSegment(caseID); segment != "" {
		dir = filepath.Join(dir, segment)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Reference{}, err
	}

	head := make([]byte, 132)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Reference{}, err
	}
	head = head[:n]
	if ext == "" {
		if HasDICOMPreamble(head) {
			ext = ".dcm"
		} else {
			return Reference{}, fmt.Errorf("%w: missing extension", ErrUnsupportedImage)
		}
	}

	path := filepath.Join(dir, "upload_"+uuid.New().String()+ext)
	file, err := os.Create(path)
	if err != nil {
		return Reference{}, err
	}
	limited := io.LimitReader(io.MultiReader(bytes.NewReader(head), body), r.maxBytes+1)
	written, err := io.Copy(file, limited)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > r.maxBytes {
		err = fmt.Errorf("upload exceeds %d bytes", r.maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return Reference{}, err
	}

	displayPath, err := r.DisplayFor(ctx, path)
	if err != nil {
		_ = os.Remove(path)
		return Reference{}, err
	}
	ref, err := r.RefFor(path)
	if err != nil {
		return Reference{}, err
	}
	r.logger.Info("upload_ingested", zap.String("ref", ref), zap.String("display_path", displayPath), zap.Int64("bytes", written))
	return Reference{Ref: ref, OriginPath: path, DisplayPath: displayPath}, nil
}

// Resolve turns an origin handle into the file capabilities read.
func (r *Resolver) Resolve(ref string) (Reference, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "/")
	var root string
	var rel string
	switch {
	case strings.HasPrefix(ref, uploadRefPrefix):
		root, rel = r.uploadDir, strings.TrimPrefix(ref, uploadRefPrefix)
	case strings.HasPrefix(ref, artifactRefPrefix):
		root, rel = r.artifactDir, strings.TrimPrefix(ref, artifactRefPrefix)
	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrUnknownReference, ref)
	}
	path, ok := within(root, filepath.Join(root, filepath.FromSlash(rel)))
	if !ok {
		return Reference{}, fmt.Errorf("%w: %q", ErrUnknownReference, ref)
	}
	if _, err := os.Stat(path); err != nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrUnknownReference, ref)
	}
	return Reference{Ref: ref, OriginPath: path, DisplayPath: r.routeFor(path)}, nil
}

// RefFor returns the handle of a file inside the managed roots.
func (r *Resolver) RefFor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if rel, ok := relWithin(r.uploadDir, abs); ok {
		return uploadRefPrefix + rel, nil
	}
	if rel, ok := relWithin(r.artifactDir, abs); ok {
		return artifactRefPrefix + rel, nil
	}
	return "", fmt.Errorf("%w: path outside managed roots", ErrUnknownReference)
}

// DisplayFor returns the route that shows originPath. Raster files are
// served as they are; anything else is rendered to PNG first.
func (r *Resolver) DisplayFor(ctx context.Context, originPath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originPath))
	if IsRaster(ext) {
		if route := r.routeFor(originPath); route != "" {
			return route, nil
		}
		published, err := r.Publish(originPath)
		if err != nil {
			return "", err
		}
		return published.DisplayPath, nil
	}
	if !isDICOMExt(ext) && !fileHasDICOMPreamble(originPath) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, ext)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(originPath), filepath.Ext(originPath))
	dst := filepath.Join(r.artifactDir, base+".png")
	if _, err := os.Stat(dst); err != nil {
		if err := r.renderer.Render(originPath, dst); err != nil {
			return "", fmt.Errorf("render display image: %w", err)
		}
	}
	return r.routeFor(dst), nil
}

// Publish makes a capability-produced image servable, copying it into the
// artifact root when it lives elsewhere.
func (r *Resolver) Publish(path string) (Reference, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Reference{}, err
	}
	if _, err := os.Stat(abs); err != nil {
		return Reference{}, fmt.Errorf("%w: produced image missing", ErrUnknownReference)
	}
	if route := r.routeFor(abs); route != "" {
		ref, err := r.RefFor(abs)
		if err != nil {
			return Reference{}, err
		}
		return Reference{Ref: ref, OriginPath: abs, DisplayPath: route}, nil
	}
	dst := filepath.Join(r.artifactDir, "artifact_"+uuid.New().String()+strings.ToLower(filepath.Ext(abs)))
	if err := copyFile(abs, dst); err != nil {
		return Reference{}, err
	}
	ref, err := r.RefFor(dst)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Ref: ref, OriginPath: dst, DisplayPath: r.routeFor(dst)}, nil
}

// NewArtifactPath reserves a file name in the artifact root.
func (r *Resolver) NewArtifactPath(prefix string, ext string) string {
	return filepath.Join(r.artifactDir, sanitizeSegment(prefix)+"_"+uuid.New().String()+ext)
}

func (r *Resolver) routeFor(path string) string {
	if rel, ok := relWithin(r.uploadDir, path); ok {
		return UploadRoute + "/" + rel
	}
	if rel, ok := relWithin(r.artifactDir, path); ok {
		return ArtifactRoute + "/" + rel
	}
	return ""
}

func relWithin(root string, path string) (string, bool) {
	clean, ok := within(root, path)
	if !ok {
		return "", false
	}
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == "." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func within(root string, path string) (string, bool) {
	clean := filepath.Clean(path)
	if clean == root || !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", false
	}
	return clean, true
}

func IsRaster(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}

func isDICOMExt(ext string) bool {
	return ext == ".dcm" || ext == ".dicom"
}

// HasDICOMPreamble reports whether head carries the "DICM" magic after the
// 128 byte preamble.
func HasDICOMPreamble(head []byte) bool {
	return len(head) >= 132 && string(head[128:132]) == "DICM"
}

func fileHasDICOMPreamble(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()
	head := make([]byte, 132)
	if _, err := io.ReadFull(file, head); err != nil {
		return false
	}
	return HasDICOMPreamble(head)
}

func sanitizeSegment(value string) string {
	cleaned := unsafeSegmentRE.ReplaceAllString(strings.TrimSpace(value), "-")
	return strings.Trim(cleaned, ".-")
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
