package route

import (
	"context"
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/ticketer/engine"
)

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/tracker/connection

type connectionGetHandler struct {
	validator *engine.Validator
}

func makeValidateConnection(validator *engine.Validator) gimlet.RouteHandler {
	return &connectionGetHandler{validator: validator}
}

func (h *connectionGetHandler) Factory() gimlet.RouteHandler {
	return &connectionGetHandler{validator: h.validator}
}

func (h *connectionGetHandler) Parse(ctx context.Context, r *http.Request) error {
	return nil
}

func (h *connectionGetHandler) Run(ctx context.Context) gimlet.Responder {
	user, err := h.validator.ValidateConnection()
	if err != nil {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			Message:    err.Error(),
			StatusCode: http.StatusBadGateway,
		})
	}
	return gimlet.NewJSONResponse(map[string]string{"user": user})
}

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/projects/{project_key}

type projectGetHandler struct {
	validator *engine.Validator

	projectKey string
}

func makeGetProject(validator *engine.Validator) gimlet.RouteHandler {
	return &projectGetHandler{validator: validator}
}

func (h *projectGetHandler) Factory() gimlet.RouteHandler {
	return &projectGetHandler{validator: h.validator}
}

func (h *projectGetHandler) Parse(ctx context.Context, r *http.Request) error {
	h.projectKey = gimlet.GetVars(r)["project_key"]
	if h.projectKey == "" {
		return gimlet.ErrorResponse{
			Message:    "project key cannot be empty",
			StatusCode: http.StatusBadRequest,
		}
	}
	return nil
}

func (h *projectGetHandler) Run(ctx context.Context) gimlet.Responder {
	name, err := h.validator.ValidateProjectKey(h.projectKey)
	if err != nil {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			Message:    err.Error(),
			StatusCode: http.StatusNotFound,
		})
	}

	issueTypes, err := h.validator.ListIssueTypes(h.projectKey)
	if err != nil {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			Message:    err.Error(),
			StatusCode: http.StatusBadGateway,
		})
	}

	out := struct {
		Key        string            `json:"key"`
		Name       string            `json:"name"`
		IssueTypes map[string]string `json:"issue_types"`
	}{
		Key:        h.projectKey,
		Name:       name,
		IssueTypes: map[string]string{},
	}
	for _, issueType := range issueTypes {
		out.IssueTypes[issueType.ID] = issueType.Name
	}
	return gimlet.NewJSONResponse(out)
}
