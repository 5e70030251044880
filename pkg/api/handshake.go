package api

import (
	"encoding/hex"
	"net/http"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
)

// handleHandshakeStart begins the local pairing flow. The response salt is
// hex encoded; the client derives the proof from it and the rotating code
// printed to the gateway log.
func (s *Server) handleHandshakeStart(w http.ResponseWriter, r *http.Request) {
	if s.handshakes == nil {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "handshake flow is not wired"))
		return
	}
	var body struct {
		Origin string `json:"origin"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	hs, err := s.handshakes.Begin(body.Origin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"handshakeId": hs.ID,
		"salt":        hex.EncodeToString(hs.Salt),
		"expiresAt":   hs.ExpiresAt,
	})
}

// handleHandshakeComplete verifies the proof and mints a short-lived
// LocalMCP token bound to the origin.
func (s *Server) handleHandshakeComplete(w http.ResponseWriter, r *http.Request) {
	if s.handshakes == nil {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "handshake flow is not wired"))
		return
	}
	var body struct {
		HandshakeID string `json:"handshakeId"`
		Origin      string `json:"origin"`
		Proof       string `json:"proof"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.HandshakeID == "" || body.Proof == "" {
		s.writeError(w, errdefs.New(errdefs.CodeValidation, "handshakeId and proof are required"))
		return
	}

	token, err := s.handshakes.Complete(body.HandshakeID, body.Origin, body.Proof)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}
