package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type HTTPServer struct {
	service       *Service
	metrics       http.Handler
	dashboardHash []byte
}

// NewHTTPServer serves the OAuth pages and the operational endpoints.
// metrics may be nil; an empty dashboardHash disables /api/stats.
func NewHTTPServer(service *Service, metrics http.Handler, dashboardHash string) *HTTPServer {
	return &HTTPServer{
		service:       service,
		metrics:       metrics,
		dashboardHash: []byte(strings.TrimSpace(dashboardHash)),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	read := r.Method == http.MethodGet || r.Method == http.MethodHead

	if read && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if read && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if read && r.URL.Path == "/api/stats" {
		s.handleStats(w, r)
		return
	}

	if read && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if read && r.URL.Path == "/invited" {
		writePage(w, http.StatusOK, invitedPage, nil)
		return
	}

	if read && r.URL.Path == "/oauth/callback" {
		s.handleCallback(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if read && len(parts) == 3 && parts[0] == "connect" && parts[1] == "lichess" {
		s.handleConnect(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleConnect(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		writeErrorPage(w, http.StatusNotFound, "This link is not valid.")
		return
	}
	target, err := s.service.ConnectRedirect(r.Context(), id)
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if reason := query.Get("error"); reason != "" {
		message := "lichess did not authorize the link: " + reason
		if description := query.Get("error_description"); description != "" {
			message += " (" + description + ")"
		}
		writeErrorPage(w, http.StatusBadRequest, message)
		return
	}

	code := strings.TrimSpace(query.Get("code"))
	id, err := strconv.ParseUint(query.Get("state"), 10, 64)
	if code == "" || err != nil {
		writeErrorPage(w, http.StatusBadRequest, "The authorization response is missing its code or state.")
		return
	}

	member, err := s.service.CompleteLink(r.Context(), id, code)
	if err != nil {
		s.failPage(w, r, err)
		return
	}
	writePage(w, http.StatusOK, linkedPage, map[string]any{"Username": member.Username})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if len(s.dashboardHash) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	token := bearerToken(r)
	if token == "" || bcrypt.CompareHashAndPassword(s.dashboardHash, []byte(token)) != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.service.logger.Error("stats failed", slog.String("error", err.Error()))
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) failPage(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, _ := mapError(err)
	log := s.service.logger.With(
		slog.String("request_id", requestID(r.Context())),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request rejected")
	}
	writeErrorPage(w, status, message)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.service.logger.Info("http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

const layout = `<!doctype html><html><head><meta charset="utf-8"><title>liro</title></head><body>{{template "body" .}}</body></html>`

var (
	invitedPage = page(`<h1>Thanks for inviting liro!</h1><p>Create roles named like <code>1400-1599 blitz</code>, <code>U1000 rapid</code> or <code>2000+ bullet</code> and members can run <code>/link</code> to get started.</p>`)
	linkedPage  = page(`<h1>Account linked</h1><p>Your Discord account is now linked to lichess user <strong>{{.Username}}</strong>. You can close this page and run <code>/sync</code> at any time.</p>`)
	errorPage   = page(`<h1>Something went wrong</h1><p>{{.Message}}</p>`)
)

func page(body string) *template.Template {
	t := template.Must(template.New("layout").Parse(layout))
	return template.Must(t.New("body").Parse(body))
}

func writePage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		slog.Error("render page failed", slog.String("error", err.Error()))
	}
}

func writeErrorPage(w http.ResponseWriter, status int, message string) {
	writePage(w, status, errorPage, map[string]any{"Message": message})
}
