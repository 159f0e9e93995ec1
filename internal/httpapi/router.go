package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const trackingPrefix = "/api/v1/tracking/"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}

// RegisterTrackingRoutes 注册 /api/v1/tracking/{user_id}/... 路由
func (r *Router) RegisterTrackingRoutes(h *TrackingHandler) {
	r.Handle(trackingPrefix, func(w http.ResponseWriter, req *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(req.URL.Path, trackingPrefix), "/")
		parts := strings.Split(rest, "/")
		if rest == "" || len(parts) > 2 || parts[0] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		userID := parts[0]
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		route := func(method string, fn func(http.ResponseWriter, *http.Request, string)) {
			if req.Method != method {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			fn(w, req, userID)
		}

		switch action {
		case "":
			route(http.MethodDelete, h.StopTracking)
		case "samples":
			route(http.MethodPost, h.PostSamples)
		case "route":
			route(http.MethodPut, h.PutRoute)
		case "sos":
			route(http.MethodPost, h.PostSOS)
		case "status":
			route(http.MethodGet, h.GetStatus)
		case "deviations":
			route(http.MethodGet, h.GetDeviations)
		case "report":
			route(http.MethodGet, h.GetReport)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}
