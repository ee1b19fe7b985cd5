package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin checks belong to the gateway in front of the service
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inbound is the envelope clients send.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type authenticateData struct {
	Token string      `json:"token"`
	Role  models.Role `json:"role"`
	ID    string      `json:"id"`
}

type locationData struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type rideRef struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := session.NewClient(conn, s.sendBuffer, s.logger)
	s.sessions.Track(c)
	go c.WritePump()

	ctx := r.Context()
	c.ReadPump(func(msg []byte) { s.handleInbound(ctx, c, msg) })
	s.sessions.Unregister(c)
	c.Close()
}

// handleInbound runs one client action. Failures are answered with an
// "<action>-error" event and never close the connection.
func (s *Server) handleInbound(ctx context.Context, c *session.Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.replyError(c, "message", fmt.Errorf("%w: malformed message", models.ErrValidation), "")
		return
	}
	if msg.Type == "authenticate" {
		s.wsAuthenticate(c, msg.Data)
		return
	}
	party, ok := s.sessions.PartyOf(c)
	if !ok {
		s.replyError(c, msg.Type, fmt.Errorf("%w: authenticate first", models.ErrUnauthorized), "")
		return
	}

	var ref rideRef
	switch msg.Type {
	case "updateLocation":
		var loc locationData
		if err := unmarshalData(msg.Data, &loc); err != nil {
			s.replyError(c, msg.Type, err, "")
			return
		}
		if party.Role != models.RoleDriver {
			s.replyError(c, msg.Type, errRole(models.RoleDriver), "")
			return
		}
		if err := s.svc.UpdateLocation(ctx, party.ID, loc.Lon, loc.Lat); err != nil {
			s.replyError(c, msg.Type, err, "")
		}
	case "requestRide":
		var req dispatch.RideRequest
		if err := unmarshalData(msg.Data, &req); err != nil {
			s.replyError(c, msg.Type, err, "")
			return
		}
		if party.Role != models.RoleRider {
			s.replyError(c, msg.Type, errRole(models.RoleRider), "")
			return
		}
		req.RiderID = party.ID
		// the rider hears back through the ride-requested event
		if _, err := s.svc.RequestRide(ctx, req); err != nil {
			s.replyError(c, msg.Type, err, "")
		}
	case "acceptRide":
		if err := unmarshalData(msg.Data, &ref); err != nil {
			s.replyError(c, msg.Type, err, "")
			return
		}
		if party.Role != models.RoleDriver {
			s.replyError(c, msg.Type, errRole(models.RoleDriver), ref.RideID)
			return
		}
		res, err := s.svc.AcceptRide(ctx, ref.RideID, party.ID)
		if err != nil {
			s.replyError(c, msg.Type, err, ref.RideID)
			return
		}
		s.fabric.Reply(c, models.EventRideAccepted, res)
	case "startRide":
		if err := unmarshalData(msg.Data, &ref); err != nil {
			s.replyError(c, msg.Type, err, "")
			return
		}
		ride, err := s.svc.StartRide(ctx, party, ref.RideID)
		if err != nil {
			s.replyError(c, msg.Type, err, ref.RideID)
			return
		}
		s.fabric.Reply(c, models.EventRideStarted, ride)
	case "completeRide":
		if err := unmarshalData(msg.Data, &ref); err != nil {
			s.replyError(c, msg.Type, err, "")
			return
		}
		if party.Role != models.RoleDriver {
			s.replyError(c, msg.Type, errRole(models.RoleDriver), ref.RideID)
			return
		}
		ride, err := s.svc.CompleteRide(ctx, ref.RideID, party.ID)
		if err != nil {
			s.replyError(c, msg.Type, err, ref.RideID)
			return
		}
		s.fabric.Reply(c, models.EventRideCompleted, ride)
	case "cancelRide":
		if err := unmarshalData(msg.Data, &ref); err != nil {
			s.replyError(c, msg.Type, err, "")
			return
		}
		ride, err := s.svc.CancelRide(ctx, ref.RideID, party, ref.Reason)
		if err != nil {
			s.replyError(c, msg.Type, err, ref.RideID)
			return
		}
		s.fabric.Reply(c, models.EventRideCancelled, ride)
	default:
		s.replyError(c, msg.Type, fmt.Errorf("%w: unknown action %q", models.ErrValidation, msg.Type), "")
	}
}

func (s *Server) wsAuthenticate(c *session.Client, data json.RawMessage) {
	var in authenticateData
	if err := unmarshalData(data, &in); err != nil {
		s.replyError(c, "authenticate", err, "")
		return
	}
	var (
		party models.Actor
		err   error
	)
	if s.verifier != nil {
		party, err = s.verifier.Verify(in.Token)
	} else {
		party, err = headerActor(string(in.Role), in.ID)
	}
	if err != nil {
		s.replyError(c, "authenticate", err, "")
		return
	}
	s.sessions.Register(party, c)
	s.fabric.Reply(c, models.EventAuthenticated, party)
	s.logger.Debug().Str("party", party.String()).Str("conn_id", c.ID()).Msg("session authenticated")
}

func (s *Server) replyError(h session.Handle, action string, err error, rideID string) {
	code := models.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		s.logger.Error().Err(err).Str("action", action).Msg("websocket action failed")
		msg = "internal error"
	}
	s.fabric.Reply(h, models.EventKind(errorEventName(action)), models.ErrorPayload{Message: msg, Code: code, RideID: rideID})
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", models.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// errorEventName turns "acceptRide" into "accept-ride-error".
func errorEventName(action string) string {
	if action == "" {
		action = "message"
	}
	var b strings.Builder
	for i, r := range action {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	b.WriteString("-error")
	return b.String()
}
