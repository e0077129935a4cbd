package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/giantswarm/mcp-authz/server"
)

// writeJSON writes v with the given status. Security headers are already set
// by the middleware.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as an OAuth error response. Anything that is not a
// server.Error is reported as server_error without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := server.AsError(err)
	status := oauthErr.Code.HTTPStatus()

	if oauthErr.Code == server.ErrorCodeInvalidClient {
		// RFC 6749 section 5.2
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.server.Config.Issuer+`"`)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", requestID(r),
			"error", err)
	}

	writeJSON(w, status, ErrorResponse{
		Error:            oauthErr.Code.String(),
		ErrorDescription: oauthErr.Description,
	})
}

func invalidRequest(description string) error {
	return server.NewError(server.ErrorCodeInvalidRequest, description)
}
