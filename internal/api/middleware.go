package api

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/warden/internal/logging"
)

// cors holds precomputed CORS response headers. The API only serves GET
// and POST, and browsers preflight the POST actions.
type cors struct {
	origin  string
	methods string
	headers string
	maxAge  string
}

func newCORS(origin string) cors {
	if origin == "" {
		origin = "*"
	}
	return cors{
		origin:  origin,
		methods: "GET, POST, OPTIONS",
		headers: "Content-Type, Authorization, Accept, Last-Event-ID",
		maxAge:  "86400",
	}
}

func (c cors) apply(set func(key, value string)) {
	set("Access-Control-Allow-Origin", c.origin)
	set("Access-Control-Allow-Methods", c.methods)
	set("Access-Control-Allow-Headers", c.headers)
	set("Access-Control-Max-Age", c.maxAge)
}

// middleware adds CORS headers to every API response.
func (c cors) middleware(ctx huma.Context, next func(huma.Context)) {
	c.apply(ctx.SetHeader)
	next(ctx)
}

// preflight answers OPTIONS on the mux, since huma only sees registered
// methods.
func (c cors) preflight(w http.ResponseWriter, _ *http.Request) {
	c.apply(w.Header().Set)
	w.WriteHeader(http.StatusNoContent)
}

// basicAuth guards operations that declare a security requirement.
type basicAuth struct {
	api      huma.API
	username string
	password string
}

var (
	errAuthRequired = errors.New("authentication required")
	errAuthType     = errors.New("invalid authentication type")
	errAuthFormat   = errors.New("invalid credentials format")
)

// credentials reads user:password from the Authorization header, or from
// the base64 auth query parameter for EventSource clients, which cannot
// set headers.
func credentials(ctx huma.Context) (string, string, error) {
	encoded := ctx.Query("auth")
	if header := ctx.Header("Authorization"); header != "" {
		var ok bool
		if encoded, ok = strings.CutPrefix(header, "Basic "); !ok {
			return "", "", errAuthType
		}
	}
	if encoded == "" {
		return "", "", errAuthRequired
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", errAuthFormat
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", errAuthFormat
	}
	return user, pass, nil
}

func (a basicAuth) middleware(ctx huma.Context, next func(huma.Context)) {
	if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
		next(ctx)
		return
	}

	user, pass, err := credentials(ctx)
	if err == nil && !a.valid(user, pass) {
		err = errors.New("invalid credentials")
	}
	if err != nil {
		ctx.SetHeader("WWW-Authenticate", authRealm)
		_ = huma.WriteErr(a.api, ctx, http.StatusUnauthorized, err.Error())
		return
	}
	next(ctx)
}

func (a basicAuth) valid(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	return userOK && passOK
}

// HTTPLoggingMiddleware logs each request. Failures are logged at warn or
// error, app actions at info, and polling reads at debug.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	status := ctx.Status()
	attrs := []slog.Attr{
		slog.String("method", ctx.Method()),
		slog.String("path", ctx.URL().Path),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if op := ctx.Operation(); op != nil {
		attrs = append(attrs, slog.String("operation", op.OperationID))
		if strings.Contains(op.Path, "{name}") {
			attrs = append(attrs, slog.String("app", ctx.Param("name")))
		}
	}

	level := slog.LevelDebug
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	case ctx.Method() == http.MethodPost:
		level = slog.LevelInfo
	}
	logging.GetLogger("http").LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
}
