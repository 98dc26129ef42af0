// Package devices exposes the console HTTP API.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/kilianp07/dispenser/console"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/core/tally"
)

// Commander is the subset of console.Hub used by the API.
type Commander interface {
	Devices() []console.Device
	Device(id string) (console.Device, bool)
	BallCount(id string) (int, error)
	SendCommand(ctx context.Context, deviceID, action string, params map[string]any) (model.Ack, error)
}

var userIDPattern = regexp.MustCompile(`^\d{9}$`)

// NewHandler returns the /api routes. The tally route is only served when
// store is not nil.
func NewHandler(hub Commander, store tally.Store) http.Handler {
	started := time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptime_s": time.Since(started).Seconds()})
	})

	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Devices())
	})

	mux.HandleFunc("GET /api/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := hub.Device(r.PathValue("id"))
		if !ok {
			writeError(w, console.ErrDeviceNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d)
	})

	mux.HandleFunc("POST /api/devices/{id}/dispense", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Count *int `json:"count"`
		}
		// An empty or malformed body dispenses one ball.
		_ = json.NewDecoder(r.Body).Decode(&body)
		count := 1
		if body.Count != nil {
			count = *body.Count
		}
		ack, err := hub.SendCommand(r.Context(), r.PathValue("id"), model.ActionDispense, map[string]any{"count": count})
		respond(w, ack, err)
	})

	mux.HandleFunc("POST /api/devices/{id}/command", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string         `json:"action"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Action == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
			return
		}
		ack, err := hub.SendCommand(r.Context(), r.PathValue("id"), body.Action, body.Params)
		respond(w, ack, err)
	})

	mux.HandleFunc("POST /api/dispense", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeClient(w, r)
		if !ok {
			return
		}
		ack, err := hub.SendCommand(r.Context(), req.DispensaryID, model.ActionDispense, map[string]any{"count": 1})
		respondClient(w, ack, err, "Ball dispensed!", "Dispense failed")
	})

	mux.HandleFunc("POST /api/return", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeClient(w, r)
		if !ok {
			return
		}
		n, err := hub.BallCount(req.DispensaryID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "device_not_found", "message": "Machine not found"})
			return
		}
		ack, err := hub.SendCommand(r.Context(), req.DispensaryID, model.ActionSetBallCount, map[string]any{"count": n + 1})
		respondClient(w, ack, err, "Ball returned!", "Return failed")
	})

	if store != nil {
		mux.Handle("GET /api/devices/{id}/tally", NewTallyHandler(store))
	}

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	return mux
}

type clientRequest struct {
	DispensaryID string `json:"dispensaryId"`
	UserID       string `json:"userId"`
}

func decodeClient(w http.ResponseWriter, r *http.Request) (clientRequest, bool) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return req, false
	}
	if req.DispensaryID == "" || !userIDPattern.MatchString(req.UserID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": "dispensaryId and a 9-digit userId are required",
		})
		return req, false
	}
	return req, true
}

type ackResponse struct {
	Success bool          `json:"success"`
	Error   *string       `json:"error"`
	Message string        `json:"message,omitempty"`
	Data    model.AckData `json:"data"`
}

func respond(w http.ResponseWriter, ack model.Ack, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Success: ack.Success, Error: ack.Error, Data: ack.Data})
}

func respondClient(w http.ResponseWriter, ack model.Ack, err error, okMsg, failMsg string) {
	if err != nil {
		writeError(w, err)
		return
	}
	msg := okMsg
	if !ack.Success {
		msg = failMsg
		if ack.Error != nil {
			msg = *ack.Error
		}
	}
	writeJSON(w, http.StatusOK, ackResponse{Success: ack.Success, Error: ack.Error, Message: msg, Data: ack.Data})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := err.Error()
	switch {
	case errors.Is(err, console.ErrDeviceNotFound):
		status, code = http.StatusNotFound, console.ErrDeviceNotFound.Error()
	case errors.Is(err, console.ErrDeviceOffline):
		status, code = http.StatusServiceUnavailable, console.ErrDeviceOffline.Error()
	case errors.Is(err, console.ErrAckTimeout):
		status, code = http.StatusGatewayTimeout, console.ErrAckTimeout.Error()
	case errors.Is(err, console.ErrDeviceDisconnected):
		code = console.ErrDeviceDisconnected.Error()
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
