package ingest

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	logx "morilens/pkg/logx"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type pageData struct {
	Code    string
	Name    string
	Expires int64
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		metaFrom(r.Context()).Log.Error("render page", logx.String("page", name), logx.Err(err))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "index.html", nil)
}

func (s *Server) handleCameraPage(w http.ResponseWriter, r *http.Request) {
	s.lensPage(w, r, "camera.html")
}

func (s *Server) handleOnlinePage(w http.ResponseWriter, r *http.Request) {
	s.lensPage(w, r, "online.html")
}

func (s *Server) lensPage(w http.ResponseWriter, r *http.Request, page string) {
	l, ok := s.lenses.GetLens(chi.URLParam(r, "code"))
	if !ok {
		writeText(w, http.StatusNotFound, "Unknown lens")
		return
	}
	s.render(w, r, page, pageData{Code: l.Code, Name: l.Name, Expires: l.ExpiresAt})
}
