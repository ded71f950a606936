// internal/handlers/problems.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/speedtcode/server/internal/problems"
)

// ProblemsHandler serves the read-only catalog:
//
//	GET /api/problems                           -> all metadata
//	GET /api/problems/{id}                      -> metadata + content per language
//	GET /api/problems/{id}/content/{language}   -> raw content
func ProblemsHandler(catalog *problems.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/problems"), "/")
		w.Header().Set("Content-Type", "application/json")

		if rest == "" {
			json.NewEncoder(w).Encode(catalog.All())
			return
		}

		parts := strings.Split(rest, "/")
		meta, ok := catalog.Metadata(parts[0])
		if !ok {
			http.Error(w, "problem not found", http.StatusNotFound)
			return
		}

		switch {
		case len(parts) == 1:
			content := make(map[string]string, len(meta.Languages))
			for _, lang := range meta.Languages {
				if code, ok := catalog.Content(meta.ID, lang); ok {
					content[lang] = code
				}
			}
			json.NewEncoder(w).Encode(struct {
				*problems.Problem
				Content map[string]string `json:"content"`
			}{meta, content})

		case len(parts) == 3 && parts[1] == "content":
			content, ok := catalog.Content(meta.ID, parts[2])
			if !ok {
				http.Error(w, "content not found", http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"content": content})

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}
}
