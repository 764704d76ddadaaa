package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"access-guard/internal/guard"
)

// maxLoginBody bounds how much of a login body is buffered to find the actor
const maxLoginBody = 64 << 10

// ActorHeader overrides the actor parsed from the login body
const ActorHeader = "X-Auth-Actor"

// AuthOutcome reports the response status of login requests to the lockout
// engine: 2xx and 3xx count as success, 401 and 403 as failure.
func AuthOutcome(g *guard.Guard, loginPaths []string, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !isLoginPath(r.URL.Path, loginPaths) {
				next.ServeHTTP(w, r)
				return
			}

			address := ClientIP(r, trustProxy)
			actor := actorFromRequest(r)

			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			switch status := wrapped.statusCode; {
			case status >= 200 && status < 400:
				g.ReportAuthOutcome(r.Context(), address, actor, true)
			case status == http.StatusUnauthorized || status == http.StatusForbidden:
				g.ReportAuthOutcome(r.Context(), address, actor, false)
			}
		})
	}
}

func isLoginPath(path string, loginPaths []string) bool {
	return lo.ContainsBy(loginPaths, func(p string) bool {
		return path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/")
	})
}

// actorFromRequest reads username or email from a JSON or form body and
// restores the body for the next handler
func actorFromRequest(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return actor
	}
	if r.Body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), rest), rest}
	if err != nil {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body struct {
			Username string `json:"username"`
			Email    string `json:"email"`
		}
		if json.Unmarshal(data, &body) != nil {
			return ""
		}
		return lo.Ternary(body.Username != "", body.Username, body.Email)
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return ""
		}
		return lo.Ternary(values.Get("username") != "", values.Get("username"), values.Get("email"))
	}
	return ""
}
