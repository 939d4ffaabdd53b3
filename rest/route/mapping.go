package route

import (
	"context"
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/ticketer/engine"
	"github.com/evergreen-ci/ticketer/model/mapping"
	"github.com/evergreen-ci/utility"
	"github.com/pkg/errors"
)

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/mapping?job={job_name}
//
// The job name travels as a query parameter because matrix sub-jobs are
// addressed as "parent/child", which a path segment cannot carry.

type mappingGetHandler struct {
	store *mapping.Store

	job string
}

func makeGetMapping(store *mapping.Store) gimlet.RouteHandler {
	return &mappingGetHandler{store: store}
}

func (h *mappingGetHandler) Factory() gimlet.RouteHandler {
	return &mappingGetHandler{store: h.store}
}

func (h *mappingGetHandler) Parse(ctx context.Context, r *http.Request) error {
	h.job = r.URL.Query().Get("job")
	if h.job == "" {
		return gimlet.ErrorResponse{
			Message:    "job name cannot be empty",
			StatusCode: http.StatusBadRequest,
		}
	}
	return nil
}

func (h *mappingGetHandler) Run(ctx context.Context) gimlet.Responder {
	if !h.store.HasJob(h.job) {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			Message:    "job not found",
			StatusCode: http.StatusNotFound,
		})
	}

	// A matrix parent reports each child's mapping under the child's name;
	// a plain job reports its own flat mapping.
	if children := h.store.SubJobs(h.job); len(children) > 0 {
		out := map[string]map[string]string{}
		for _, child := range children {
			out[child] = h.store.ExportAll(h.job + "/" + child)
		}
		return gimlet.NewJSONResponse(out)
	}

	return gimlet.NewJSONResponse(h.store.ExportAll(h.job))
}

////////////////////////////////////////////////////////////////////////
//
// POST /rest/v1/mapping/link

type mappingLinkHandler struct {
	engine *engine.Engine

	body struct {
		Job      string `json:"job"`
		TestID   string `json:"test_id"`
		IssueKey string `json:"issue_key"`
	}
}

func makeLinkMapping(eng *engine.Engine) gimlet.RouteHandler {
	return &mappingLinkHandler{engine: eng}
}

func (h *mappingLinkHandler) Factory() gimlet.RouteHandler {
	return &mappingLinkHandler{engine: h.engine}
}

func (h *mappingLinkHandler) Parse(ctx context.Context, r *http.Request) error {
	if err := utility.ReadJSON(r.Body, &h.body); err != nil {
		return gimlet.ErrorResponse{
			Message:    errors.Wrap(err, "parsing link request").Error(),
			StatusCode: http.StatusBadRequest,
		}
	}
	if h.body.Job == "" || h.body.TestID == "" || h.body.IssueKey == "" {
		return gimlet.ErrorResponse{
			Message:    "job, test_id, and issue_key must all be set",
			StatusCode: http.StatusBadRequest,
		}
	}
	return nil
}

func (h *mappingLinkHandler) Run(ctx context.Context) gimlet.Responder {
	if err := h.engine.LinkManually(h.body.Job, h.body.TestID, h.body.IssueKey); err != nil {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			Message:    err.Error(),
			StatusCode: http.StatusBadRequest,
		})
	}
	return gimlet.NewJSONResponse(struct{}{})
}

////////////////////////////////////////////////////////////////////////
//
// DELETE /rest/v1/mapping/link

type mappingUnlinkHandler struct {
	engine *engine.Engine

	body struct {
		Job    string `json:"job"`
		TestID string `json:"test_id"`
	}
}

func makeUnlinkMapping(eng *engine.Engine) gimlet.RouteHandler {
	return &mappingUnlinkHandler{engine: eng}
}

func (h *mappingUnlinkHandler) Factory() gimlet.RouteHandler {
	return &mappingUnlinkHandler{engine: h.engine}
}

func (h *mappingUnlinkHandler) Parse(ctx context.Context, r *http.Request) error {
	if err := utility.ReadJSON(r.Body, &h.body); err != nil {
		return gimlet.ErrorResponse{
			Message:    errors.Wrap(err, "parsing unlink request").Error(),
			StatusCode: http.StatusBadRequest,
		}
	}
	if h.body.Job == "" || h.body.TestID == "" {
		return gimlet.ErrorResponse{
			Message:    "job and test_id must both be set",
			StatusCode: http.StatusBadRequest,
		}
	}
	return nil
}

func (h *mappingUnlinkHandler) Run(ctx context.Context) gimlet.Responder {
	if err := h.engine.UnlinkManually(h.body.Job, h.body.TestID); err != nil {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			Message:    err.Error(),
			StatusCode: http.StatusInternalServerError,
		})
	}
	return gimlet.NewJSONResponse(struct{}{})
}
