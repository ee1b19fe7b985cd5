package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/session"
)

type Options struct {
	Service  *dispatch.Service
	Sessions *session.Registry
	Fabric   *notify.Fabric
	// Verifier checks bearer tokens. When nil the caller identifies itself
	// with the X-Party-Role and X-Party-ID headers, which is only meant for
	// local runs behind a trusted gateway.
	Verifier auth.Verifier
	// Profiles, when set, receives the name and phone sent at onboarding.
	Profiles *accounts.MemoryDirectory
	// InternalToken admits operator calls such as driver verification
	// through the X-Internal-Token header. Empty disables them.
	InternalToken string
	Ready         func(ctx context.Context) error
	SendBuffer    int
	Logger        zerolog.Logger
}

type Server struct {
	svc        *dispatch.Service
	sessions   *session.Registry
	fabric     *notify.Fabric
	verifier   auth.Verifier
	profiles   *accounts.MemoryDirectory
	internal   string
	ready      func(ctx context.Context) error
	sendBuffer int
	logger     zerolog.Logger
	mux        *mux.Router
}

func NewServer(o Options) *Server {
	s := &Server{
		svc:        o.Service,
		sessions:   o.Sessions,
		fabric:     o.Fabric,
		verifier:   o.Verifier,
		profiles:   o.Profiles,
		internal:   o.InternalToken,
		ready:      o.Ready,
		sendBuffer: o.SendBuffer,
		logger:     o.Logger.With().Str("component", "http").Logger(),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.Handle("/internal/driver/locations", s.identityMiddleware(http.HandlerFunc(s.handleDriverLocation))).Methods("POST")
	s.mux.Handle("/internal/drivers/{id}/verification", s.internalMiddleware(http.HandlerFunc(s.handleVerifyDriver))).Methods("PUT")
	s.mux.HandleFunc("/api/v1/fares/estimate", s.handleEstimate).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/riders/{id}/active-ride", s.handleActiveRide).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/drivers/{id}", s.handleRegisterDriver).Methods("PUT")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

type locationPush struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// handleDriverLocation takes position pushes from driver apps that do not
// hold a websocket. A driver may only move itself.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		writeError(w, errRole(models.RoleDriver))
		return
	}
	var in locationPush
	if !decode(w, r, &in) {
		return
	}
	if in.DriverID == "" {
		in.DriverID = actor.ID
	}
	if in.DriverID != actor.ID {
		writeError(w, fmt.Errorf("%w: drivers may only report their own location", models.ErrUnauthorized))
		return
	}
	if err := s.svc.UpdateLocation(r.Context(), in.DriverID, in.Lon, in.Lat); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type estimateRequest struct {
	Pickup       models.Coord        `json:"pickup"`
	Drop         models.Coord        `json:"drop"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var in estimateRequest
	if !decode(w, r, &in) {
		return
	}
	q, err := s.svc.EstimateFare(in.Pickup, in.Drop, in.VehicleClass)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleRider {
		writeError(w, errRole(models.RoleRider))
		return
	}
	var in dispatch.RideRequest
	if !decode(w, r, &in) {
		return
	}
	in.RiderID = actor.ID
	res, err := s.svc.RequestRide(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	details, err := s.svc.GetRideDetails(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		writeError(w, errRole(models.RoleDriver))
		return
	}
	res, err := s.svc.AcceptRide(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.StartRide(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		writeError(w, errRole(models.RoleDriver))
		return
	}
	ride, err := s.svc.CompleteRide(r.Context(), mux.Vars(r)["id"], actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in cancelRequest
	// the body is optional
	if r.ContentLength != 0 && !decode(w, r, &in) {
		return
	}
	ride, err := s.svc.CancelRide(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()), in.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["id"]
	if actorFrom(r.Context()) != models.Rider(riderID) {
		writeError(w, fmt.Errorf("%w: riders may only read their own active ride", models.ErrUnauthorized))
		return
	}
	ride, err := s.svc.GetActiveRideForRider(r.Context(), riderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	q := r.URL.Query()
	party := actor
	if v := q.Get("role"); v != "" {
		party.Role = models.Role(v)
	}
	if v := q.Get("party_id"); v != "" {
		party.ID = v
	}
	if party != actor {
		writeError(w, fmt.Errorf("%w: history is only visible to its owner", models.ErrUnauthorized))
		return
	}
	rides, err := s.svc.GetHistory(r.Context(), party.ID, party.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type driverRegistration struct {
	Loc          models.Coord        `json:"loc"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Capacity     int                 `json:"capacity"`
	Name         string              `json:"name"`
	Phone        string              `json:"phone"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if actorFrom(r.Context()) != models.Driver(id) {
		writeError(w, fmt.Errorf("%w: drivers may only register themselves", models.ErrUnauthorized))
		return
	}
	var in driverRegistration
	if !decode(w, r, &in) {
		return
	}
	d, err := s.svc.RegisterDriver(r.Context(), models.Driver{
		ID:           id,
		Loc:          in.Loc,
		VehicleClass: in.VehicleClass,
		Capacity:     in.Capacity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.profiles != nil && in.Name != "" {
		s.profiles.Put(models.Driver(id), models.Profile{Name: in.Name, Phone: in.Phone})
	}
	writeJSON(w, http.StatusOK, d)
}

type verification struct {
	Verified bool `json:"verified"`
}

func (s *Server) handleVerifyDriver(w http.ResponseWriter, r *http.Request) {
	var in verification
	if !decode(w, r, &in) {
		return
	}
	d, err := s.svc.VerifyDriver(r.Context(), mux.Vars(r)["id"], in.Verified)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyTaken),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: models.ErrorCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body: " + err.Error(), Code: "validation"})
		return false
	}
	return true
}

func errRole(want models.Role) error {
	return fmt.Errorf("%w: only a %s may do this", models.ErrUnauthorized, want)
}
