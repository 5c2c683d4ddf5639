package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"procastinot-backend/middleware"
	"procastinot-backend/models"
)

// Routes groups the handlers mounted by NewRouter. Sweeps may be nil.
type Routes struct {
	Health        *HealthHandler
	Challenges    *ChallengeHandler
	Notifications *NotificationHandler
	Sweeps        *SweepHandler
	// AdminAPIKey, when set, must accompany sweep requests in X-API-Key.
	AdminAPIKey string
	// Metrics serves /metrics when set.
	Metrics prometheus.Gatherer
}

// NewRouter wires every route onto a gorilla/mux router.
func NewRouter(rt Routes) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.HandleFunc("/health", rt.Health.HandleHealth).Methods(http.MethodGet)
	if rt.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.Metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// API routes live on the root router so a method mismatch reaches MethodNotAllowedHandler.
	api := func(path string, h http.Handler, method string) {
		r.Handle("/api"+path, middleware.JSONBody(h)).Methods(method)
	}
	ch := rt.Challenges
	api("/challenges", http.HandlerFunc(ch.HandleCreate), http.MethodPost)
	api("/challenges", http.HandlerFunc(ch.HandleList), http.MethodGet)
	api("/challenges/creator/{email}", http.HandlerFunc(ch.HandleListByCreator), http.MethodGet)
	api("/challenges/acp/{email}", http.HandlerFunc(ch.HandleListByReviewer), http.MethodGet)
	api("/challenges/user/{wallet}", http.HandlerFunc(ch.HandleLookupEmail), http.MethodGet)
	api("/challenges/{id}", http.HandlerFunc(ch.HandleGet), http.MethodGet)
	api("/challenges/{id}/contract-data", http.HandlerFunc(ch.HandleContractData), http.MethodGet)
	api("/challenges/{id}/notifications", http.HandlerFunc(ch.HandleNotifications), http.MethodGet)
	api("/challenges/{id}/proof", http.HandlerFunc(ch.HandleSubmitProof), http.MethodPost)
	api("/challenges/{id}/review", http.HandlerFunc(ch.HandleReview), http.MethodPost)
	api("/challenges/{id}/contract", http.HandlerFunc(ch.HandleLinkContract), http.MethodPost)
	api("/challenges/{id}/dispute", http.HandlerFunc(ch.HandleDispute), http.MethodPost)
	api("/challenges/{id}/complete", http.HandlerFunc(ch.HandleComplete), http.MethodPost)
	api("/challenges/{id}/rewards-claimed", http.HandlerFunc(ch.HandleRewardsClaimed), http.MethodPost)

	api("/notify-acp", http.HandlerFunc(rt.Notifications.HandleNotifyACP), http.MethodPost)
	if rt.Sweeps != nil {
		var run http.Handler = http.HandlerFunc(rt.Sweeps.HandleRun)
		if rt.AdminAPIKey != "" {
			run = middleware.RequireAPIKey(rt.AdminAPIKey)(run)
		}
		api("/sweeps/{sweep}", run, http.MethodPost)
	}
	return r
}

func writeEnvelope(w http.ResponseWriter, code int, message string) {
	NewBaseHandler(nil).sendJSON(w, code, models.NewErrorResponse(message))
}
