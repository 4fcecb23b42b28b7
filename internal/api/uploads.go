package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/imaging"
)

const maxUploadFormMemory = 32 << 20

type uploadResponse struct {
	OriginPath  string `json:"origin_path"`
	DisplayPath string `json:"display_path"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadFormMemory); err != nil {
		writeError(w, "multipart form with a file field is required", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ref, err := s.images.IngestUpload(r.Context(), header.Filename, file, r.FormValue("case_id"))
	if errors.Is(err, imaging.ErrUnsupportedImage) {
		writeError(w, "unsupported image format", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("upload_failed", zap.String("filename", header.Filename), zap.Error(err))
		writeError(w, "could not store upload", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, uploadResponse{OriginPath: ref.Ref, DisplayPath: ref.DisplayPath}, http.StatusOK)
}

// serveFiles serves display images under route without directory listings.
func (s *Server) serveFiles(route string, dir string) http.HandlerFunc {
	files := http.StripPrefix(route, http.FileServer(http.Dir(dir)))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=3600")
		files.ServeHTTP(w, r)
	}
}
