package api

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/discovery"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
)

// PathHandler serves the project/run-name hierarchy Storage Discovery derives
// from the on-disk layout, independent of the index's cached Run rows — this
// lets the UI browse a storage root's directory structure even before the
// index has caught up with a freshly-written run.
type PathHandler struct {
	roots  repo.StorageRootRepository
	logger *zap.Logger
}

// NewPathHandler creates a new PathHandler.
func NewPathHandler(roots repo.StorageRootRepository, logger *zap.Logger) *PathHandler {
	return &PathHandler{roots: roots, logger: logger.Named("path_handler")}
}

type treeNode struct {
	Project string   `json:"project"`
	Names   []string `json:"names"`
}

// Tree handles GET /api/paths/tree: the set of projects and, within each, the
// distinct run-name groups currently on disk.
func (h *PathHandler) Tree(w http.ResponseWriter, r *http.Request) {
	roots, err := h.roots.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list storage roots", zap.Error(err))
		ErrInternal(w)
		return
	}

	byProject := map[string]map[string]struct{}{}
	for _, root := range roots {
		runs, err := discovery.IterAllRuns(root.Root, false)
		if err != nil {
			h.logger.Warn("failed to walk storage root", zap.String("root", root.Root), zap.Error(err))
			continue
		}
		for _, run := range runs {
			names, ok := byProject[run.Project]
			if !ok {
				names = map[string]struct{}{}
				byProject[run.Project] = names
			}
			names[run.Name] = struct{}{}
		}
	}

	tree := make([]treeNode, 0, len(byProject))
	for project, names := range byProject {
		nameList := make([]string, 0, len(names))
		for n := range names {
			nameList = append(nameList, n)
		}
		sort.Strings(nameList)
		tree = append(tree, treeNode{Project: project, Names: nameList})
	}
	sort.Slice(tree, func(i, j int) bool { return tree[i].Project < tree[j].Project })

	Ok(w, tree)
}

// Runs handles GET /api/paths/runs?project=...&name=...: the run IDs under a
// given project/name pair, across every registered storage root.
func (h *PathHandler) Runs(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	name := r.URL.Query().Get("name")

	roots, err := h.roots.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list storage roots", zap.Error(err))
		ErrInternal(w)
		return
	}

	var runIDs []string
	for _, root := range roots {
		runs, err := discovery.IterAllRuns(root.Root, false)
		if err != nil {
			continue
		}
		for _, run := range runs {
			if project != "" && run.Project != project {
				continue
			}
			if name != "" && run.Name != name {
				continue
			}
			runIDs = append(runIDs, run.RunID)
		}
	}

	Ok(w, runIDs)
}
