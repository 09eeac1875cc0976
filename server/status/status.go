package status

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/mediagrab/mediagrab/server/sys"
)

type report struct {
	FreeSpace  uint64 `json:"freeSpace"`
	ActiveJobs int    `json:"activeJobs"`
}

func ApplyRouter(st *store.Store) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			free, err := sys.FreeSpace()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			active, err := st.CountActive(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(report{
				FreeSpace:  free,
				ActiveJobs: active,
			})
		})

		r.Get("/tree", func(w http.ResponseWriter, r *http.Request) {
			tree, err := sys.DirectoryTree()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(tree)
		})
	}
}
