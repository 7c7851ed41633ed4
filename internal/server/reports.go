package server

import (
	"embed"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"fuzzci/internal/report"
	"fuzzci/internal/utils"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type link struct {
	Name string
	Href string
}

type branchReports struct {
	Name string
	Runs []link
}

type runPage struct {
	Branch   string
	Run      string
	Fuzzing  string
	Projects []link
}

// listBranches reads the runs of every tracked branch. Branches without a
// reports directory are left out.
func listBranches(root string, branches []string) []branchReports {
	names := append([]string(nil), branches...)
	sort.Strings(names)
	var out []branchReports
	for _, name := range names {
		dirName := utils.SanitizePathSegment(name)
		entries, err := os.ReadDir(filepath.Join(root, dirName))
		if err != nil {
			continue
		}
		b := branchReports{Name: name}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			b.Runs = append(b.Runs, link{
				Name: e.Name(),
				Href: "./" + utils.EscapeSegment(dirName) + "/" + utils.EscapeSegment(e.Name()) + "/",
			})
		}
		sort.Slice(b.Runs, func(i, j int) bool { return b.Runs[i].Name < b.Runs[j].Name })
		out = append(out, b)
	}
	return out
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	s.render(w, "reports.html", listBranches(s.cfg.ReportsPath, s.cfg.Branches))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	branch, run := r.PathValue("branch"), r.PathValue("run")
	dir := filepath.Join(s.cfg.ReportsPath, utils.SanitizePathSegment(branch), utils.SanitizePathSegment(run))
	if _, err := os.Stat(dir); err != nil {
		http.NotFound(w, r)
		return
	}
	page := runPage{Branch: branch, Run: run}
	if _, err := os.Stat(filepath.Join(dir, report.ReportFile)); err == nil {
		page.Fuzzing = report.ReportFile
	}
	for _, name := range s.cfg.ProjectNames() {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			continue
		}
		page.Projects = append(page.Projects, link{Name: name, Href: utils.EscapeSegment(name) + "/index.html"})
	}
	s.render(w, "run.html", page)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error().Err(err).Str("template", name).Msg("cannot render page")
	}
}
