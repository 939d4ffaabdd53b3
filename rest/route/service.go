package route

import (
	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/ticketer/engine"
	"github.com/evergreen-ci/ticketer/model/mapping"
)

// AttachHandlers binds every route to the app under /rest/v1.
func AttachHandlers(app *gimlet.APIApp, store *mapping.Store, eng *engine.Engine, validator *engine.Validator) {
	app.SetPrefix("/rest")

	app.AddRoute("/mapping").Version(1).Get().RouteHandler(makeGetMapping(store))
	app.AddRoute("/mapping/link").Version(1).Post().RouteHandler(makeLinkMapping(eng))
	app.AddRoute("/mapping/link").Version(1).Delete().RouteHandler(makeUnlinkMapping(eng))
	app.AddRoute("/tracker/connection").Version(1).Get().RouteHandler(makeValidateConnection(validator))
	app.AddRoute("/projects/{project_key}").Version(1).Get().RouteHandler(makeGetProject(validator))
}
