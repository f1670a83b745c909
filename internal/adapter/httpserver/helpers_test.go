package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// withURLParam injects a chi route parameter for handlers tested outside a
// full router.
func withURLParam(h http.HandlerFunc, key, value string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add(key, value)
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx)))
	}
}
