package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

const opsToken = "ops-token"

type testEnv struct {
	srv      *Server
	svc      *dispatch.Service
	drivers  *geo.Index
	sessions *session.Registry
}

func newTestEnv(t *testing.T, verifier auth.Verifier) *testEnv {
	t.Helper()
	drivers := geo.NewIndex()
	sessions := session.NewRegistry()
	fabric := notify.New(sessions, zerolog.Nop())
	profiles := accounts.NewMemoryDirectory()
	svc := dispatch.New(dispatch.Deps{
		Ledger:   ledger.New(storage.NewMemoryStore()),
		Drivers:  drivers,
		Matcher:  &matcher.Service{Geo: drivers},
		Notifier: fabric,
		Profiles: profiles,
		Log:      zerolog.Nop(),
	})
	srv := NewServer(Options{
		Service:       svc,
		Sessions:      sessions,
		Fabric:        fabric,
		Verifier:      verifier,
		Profiles:      profiles,
		InternalToken: opsToken,
		SendBuffer:    16,
		Logger:        zerolog.Nop(),
	})
	return &testEnv{srv: srv, svc: svc, drivers: drivers, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path string, as models.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if as.ID != "" {
		req.Header.Set("X-Party-Role", string(as.Role))
		req.Header.Set("X-Party-ID", as.ID)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) registerDriver(t *testing.T, id string) {
	t.Helper()
	rec := e.do(t, http.MethodPut, "/api/v1/drivers/"+id, models.Driver(id), driverRegistration{
		Loc:          models.Coord{Lat: 12.98, Lon: 77.59},
		VehicleClass: models.VehicleCar,
		Capacity:     4,
		Name:         "Driver " + id,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.verify(t, id, opsToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *testEnv) verify(t *testing.T, id, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/internal/drivers/"+id+"/verification", bytes.NewBufferString(`{"verified":true}`))
	if token != "" {
		req.Header.Set("X-Internal-Token", token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func rideBody() map[string]any {
	return map[string]any{
		"pickup":         map[string]any{"address": "A", "lat": 12.9716, "lon": 77.5946},
		"drop":           map[string]any{"address": "B", "lat": 12.9784, "lon": 77.6408},
		"vehicle_class":  "car",
		"payment_method": "cash",
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/healthz", models.Actor{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/ready", models.Actor{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	e.srv.ready = func(context.Context) error { return errors.New("db down") }
	rec = e.do(t, http.MethodGet, "/ready", models.Actor{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEstimateIsPublic(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/api/v1/fares/estimate", models.Actor{}, map[string]any{
		"pickup":        map[string]any{"lat": 0, "lon": 0},
		"drop":          map[string]any{"lat": 0, "lon": 0},
		"vehicle_class": "auto",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[map[string]any](t, rec)
	assert.Equal(t, 30.0, q["fare"])
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerDriver(t, "d1")
	rider := models.Rider("r1")
	driver := models.Driver("d1")

	rec := e.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[dispatch.RequestResult](t, rec)
	assert.Equal(t, 1, res.CandidateCount)
	id := res.Ride.ID

	rec = e.do(t, http.MethodGet, "/api/v1/riders/r1/active-ride", rider, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", driver, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "driver is no longer available")

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/complete", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.StatusCompleted, done.Status)

	rec = e.do(t, http.MethodGet, "/api/v1/rides/"+id, rider, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := decodeBody[dispatch.RideDetails](t, rec)
	require.NotNil(t, details.Driver)
	assert.Equal(t, "Driver d1", details.Driver.Name)

	rec = e.do(t, http.MethodGet, "/api/v1/history", driver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[map[string][]models.Ride](t, rec)
	assert.Len(t, hist["rides"], 1)

	rec = e.do(t, http.MethodGet, "/api/v1/riders/r1/active-ride", rider, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerDriver(t, "d1")
	rider := models.Rider("r1")

	rec := e.do(t, http.MethodPost, "/api/v1/rides", models.Actor{}, rideBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides", models.Driver("d1"), rideBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	bad := rideBody()
	bad["pickup"] = map[string]any{"lat": 95, "lon": 0}
	rec = e.do(t, http.MethodPost, "/api/v1/rides", rider, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody[errorBody](t, rec).Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides/missing/start", models.Driver("d1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[dispatch.RequestResult](t, rec).Ride.ID

	rec = e.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[errorBody](t, rec).Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", models.Driver("d1"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[errorBody](t, rec).Code)

	rec = e.do(t, http.MethodGet, "/api/v1/riders/r1/active-ride", models.Rider("r2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/history?role=rider&party_id=r2", rider, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAcceptRaceLoserGetsConflict(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerDriver(t, "d1")
	e.registerDriver(t, "d2")

	rec := e.do(t, http.MethodPost, "/api/v1/rides", models.Rider("r1"), rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[dispatch.RequestResult](t, rec).Ride.ID

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", models.Driver("d1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", models.Driver("d2"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_taken", decodeBody[errorBody](t, rec).Code)
}

func TestCancelWithAndWithoutBody(t *testing.T) {
	e := newTestEnv(t, nil)
	rider := models.Rider("r1")

	rec := e.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[dispatch.RequestResult](t, rec).Ride.ID

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", rider, cancelRequest{Reason: "too slow"})
	require.Equal(t, http.StatusOK, rec.Code)
	ride := decodeBody[models.Ride](t, rec)
	assert.Equal(t, "too slow", ride.CancelReason)

	rec = e.do(t, http.MethodPost, "/api/v1/rides", rider, rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id = decodeBody[dispatch.RequestResult](t, rec).Ride.ID
	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", rider, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDriverLocationEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerDriver(t, "d1")
	e.registerDriver(t, "d2")
	d1 := models.Driver("d1")

	rec := e.do(t, http.MethodPost, "/internal/driver/locations", d1, locationPush{DriverID: "d1", Lat: 13, Lon: 77.6})
	require.Equal(t, http.StatusNoContent, rec.Code)
	d, err := e.drivers.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 13, Lon: 77.6}, d.Loc)

	// the body may omit the id and the caller's own is used
	rec = e.do(t, http.MethodPost, "/internal/driver/locations", d1, locationPush{Lat: 13.1, Lon: 77.6})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/internal/driver/locations", models.Actor{}, locationPush{DriverID: "d1", Lat: 13, Lon: 77.6})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(t, http.MethodPost, "/internal/driver/locations", d1, locationPush{DriverID: "d2", Lat: 0, Lon: 0})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodPost, "/internal/driver/locations", models.Rider("r1"), locationPush{DriverID: "d1", Lat: 0, Lon: 0})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	d, err = e.drivers.Get(context.Background(), "d2")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 12.98, Lon: 77.59}, d.Loc)

	rec = e.do(t, http.MethodPost, "/internal/driver/locations", models.Driver("ghost"), locationPush{DriverID: "ghost", Lat: 13, Lon: 77.6})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelfDeclaredVerificationIsIgnored(t *testing.T) {
	e := newTestEnv(t, nil)
	rogue := models.Driver("rogue")
	rec := e.do(t, http.MethodPut, "/api/v1/drivers/rogue", rogue, map[string]any{
		"loc":           map[string]any{"lat": 12.98, "lon": 77.59},
		"vehicle_class": "car",
		"capacity":      4,
		"verified":      true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[models.Driver](t, rec).Verified)

	rec = e.do(t, http.MethodPost, "/api/v1/rides", models.Rider("r1"), rideBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeBody[dispatch.RequestResult](t, rec)
	assert.Zero(t, res.CandidateCount)

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+res.Ride.ID+"/accept", rogue, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, e.verify(t, "rogue", "").Code)
	assert.Equal(t, http.StatusUnauthorized, e.verify(t, "rogue", "guess").Code)
	assert.Equal(t, http.StatusNotFound, e.verify(t, "ghost", opsToken).Code)
	require.Equal(t, http.StatusOK, e.verify(t, "rogue", opsToken).Code)

	rec = e.do(t, http.MethodPost, "/api/v1/rides/"+res.Ride.ID+"/accept", rogue, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInternalRoutesDisabledWithoutToken(t *testing.T) {
	e := newTestEnv(t, nil)
	e.srv.internal = ""
	assert.Equal(t, http.StatusForbidden, e.verify(t, "d1", opsToken).Code)
}

func TestBearerTokens(t *testing.T) {
	v := auth.NewJWTVerifier("test-secret")
	e := newTestEnv(t, v)

	rec := e.do(t, http.MethodGet, "/api/v1/history", models.Rider("r1"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "headers are ignored when tokens are required")

	tok, err := v.Issue(models.Rider("r1"), -time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/history", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "expired token")

	tok, err = v.Issue(models.Rider("r1"), time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/history", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusConflict, statusFor(models.ErrConflict))
}

// registerDriverDirect bypasses the HTTP route, for servers that require tokens.
func (e *testEnv) registerDriverDirect(t *testing.T, id string) {
	t.Helper()
	_, err := e.svc.RegisterDriver(context.Background(), models.Driver{
		ID:           id,
		Loc:          models.Coord{Lat: 12.98, Lon: 77.59},
		VehicleClass: models.VehicleCar,
		Capacity:     4,
	})
	require.NoError(t, err)
	_, err = e.svc.VerifyDriver(context.Background(), id, true)
	require.NoError(t, err)
}
