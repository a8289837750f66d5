package middleware

import (
	"net/http"

	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/security"
)

// Identity attaches the caller identity to the request context. A rejected
// credential is logged and the request continues under the remote address.
func Identity(extractor *security.Extractor, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	logger = logger.WithComponent("identity")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := extractor.FromRequest(r)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected credential",
					"identity", id.ID,
					"method", string(id.Method),
					"error", err)
			}
			next.ServeHTTP(w, r.WithContext(security.WithIdentity(r.Context(), id)))
		})
	}
}
