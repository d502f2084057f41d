package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banhammer/banhammer/config"
	"github.com/banhammer/banhammer/database"
	"github.com/banhammer/banhammer/detection"
	"github.com/banhammer/banhammer/logger"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// API is the read-only query surface. All responses are JSON; every route
// is gated by the API token when one is configured.
type API struct {
	cfg     *config.Config
	engine  *detection.Engine
	tcp     *TCPServer
	banList *database.BanList // nil when no database is configured
	runID   string
}

func NewAPI(cfg *config.Config, engine *detection.Engine, tcp *TCPServer, banList *database.BanList) *API {
	return &API{
		cfg:     cfg,
		engine:  engine,
		tcp:     tcp,
		banList: banList,
		runID:   uuid.NewString(),
	}
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/users", a.handleUsers)
	mux.HandleFunc("GET /api/violators", a.handleViolators)
	mux.HandleFunc("GET /api/banlist", a.handleBanList)
	mux.HandleFunc("POST /api/banlist/clear", a.handleClearBanList)
	mux.HandleFunc("GET /api/user/{email}", a.handleUserDetail)
	mux.HandleFunc("GET /api/nodes", a.handleNodes)
	mux.HandleFunc("GET /api/shared_ips", a.handleSharedIPs)
	return a.authMiddleware(mux)
}

// authMiddleware checks the bearer token (or ?token= fallback). An empty
// configured token disables authentication.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Env.APIToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == r.Header.Get("Authorization") {
				// no bearer header, fall back to the query parameter
				token = r.URL.Query().Get("token")
			}
			if token != a.cfg.Env.APIToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.engine.Stats(a.tcp.ConnectedNodes())
	stats.RunID = a.runID
	stats.Version = config.Version
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Users())
}

func (a *API) handleViolators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Violators(time.Now()))
}

func (a *API) handleBanList(w http.ResponseWriter, r *http.Request) {
	if a.banList == nil {
		writeJSON(w, http.StatusOK, []database.BanRecord{})
		return
	}

	hours := 24
	if value := r.URL.Query().Get("hours"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid hours parameter"})
			return
		}
		hours = parsed
	}

	records, err := a.banList.List(hours)
	if err != nil {
		logger.GetLogger().Err(err).Msg("failed to list ban records")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}
	if records == nil {
		records = []database.BanRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleClearBanList(w http.ResponseWriter, r *http.Request) {
	var deleted int64
	if a.banList != nil {
		var err error
		deleted, err = a.banList.Clear()
		if err != nil {
			logger.GetLogger().Err(err).Msg("failed to clear ban list")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
			return
		}
	}
	a.engine.ClearConfirmed()

	logger.GetLogger().Warn().Int64("deleted", deleted).Msg("ban list cleared via API")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "success": true})
}

func (a *API) handleUserDetail(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	detail, ok := a.engine.UserDetail(email, time.Now())
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tcp.ConnectedNodes())
}

func (a *API) handleSharedIPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.SharedIPs())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(body); err != nil {
		logger.GetLogger().Err(err).Msg("failed to encode response")
	}
}
