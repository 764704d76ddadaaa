package middleware

import (
	"net/http"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/csrf"
)

// CSRFHeader carries the token issued by GET /api/v1/csrf
const CSRFHeader = "X-CSRF-Token"

// CSRF rejects unsafe methods without a token matching the session cookie
func CSRF(store *csrf.Store, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(cookieName)
			if err != nil || !store.Validate(r.Context(), cookie.Value, r.Header.Get(CSRFHeader)) {
				httpclient.WriteJSON(w, http.StatusForbidden, httpclient.ErrorBody{
					Error: "invalid or missing CSRF token",
					Type:  string(errors.ErrTypeAuth),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
