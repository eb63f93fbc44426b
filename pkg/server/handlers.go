package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/callstore"
	"github.com/go-go-golems/callpilot/pkg/lifecycle"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/telephony"
	"github.com/go-go-golems/callpilot/pkg/voice"
)

// PreviewText is spoken by the voice preview endpoint.
const PreviewText = "안녕하세요. 이 목소리로 전화를 대신 걸어 드릴게요."

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeTwiML(w http.ResponseWriter, doc string, err error) {
	if err != nil {
		log.Error().Err(err).Str("component", "server").Msg("render twiml")
		http.Error(w, "twiml error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	return errors.Wrap(dec.Decode(v), "decode request body")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad form")
		return
	}
	if s.Validator != nil && !s.Validator.Valid(r) {
		log.Warn().Str("component", "server").Str("call_sid", r.PostForm.Get("CallSid")).Msg("status callback with bad signature")
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}
	u, err := telephony.ParseStatus(r.PostForm)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("bad status callback")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Lifecycle.HandleStatus(r.Context(), u); err != nil {
		log.Error().Err(err).Str("component", "server").Str("call_sid", u.CallSid).Msg("status callback failed")
		writeError(w, http.StatusInternalServerError, "status handling failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	doc, err := s.Lifecycle.AnswerTwiML(r.FormValue("CallSid"), r.URL.Query().Get(lifecycle.OpeningAudioParam))
	writeTwiML(w, doc, err)
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	doc, err := s.Lifecycle.HoldTwiML(r.FormValue("CallSid"))
	writeTwiML(w, doc, err)
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.DialRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Lifecycle.Dial(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, lifecycle.ErrInvalidDial):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, voice.ErrInvalidVoice):
		writeError(w, http.StatusBadRequest, "invalid voice")
	default:
		log.Error().Err(err).Str("component", "server").Msg("dial failed")
		writeError(w, http.StatusBadGateway, "call could not be placed")
	}
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "call store disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	recs, err := s.Store.ListCalls(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Str("component", "server").Msg("list calls")
		writeError(w, http.StatusInternalServerError, "list calls failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	out := map[string]any{"callSid": sid}
	if sess, ok := s.Registry.Lookup(sid); ok {
		out["session"] = sess.Snapshot()
	}
	if s.Store != nil {
		rec, err := s.Store.GetCall(r.Context(), sid)
		switch {
		case err == nil:
			out["record"] = rec
		case errors.Is(err, callstore.ErrNotFound):
		default:
			log.Error().Err(err).Str("component", "server").Str("call_sid", sid).Msg("get call")
			writeError(w, http.StatusInternalServerError, "get call failed")
			return
		}
	}
	if len(out) == 1 {
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	live := s.Registry.List()
	out := make([]session.Snapshot, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type voiceRequest struct {
	UserID string `json:"userId"`
	Voice  string `json:"voice"`
}

func (s *Server) handleTTSPreview(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, ok := s.Voices.Preset(req.Voice)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown voice preset, want one of "+strings.Join(s.Voices.Configured(), ", "))
		return
	}
	clip, err := s.Synth.Synthesize(r.Context(), PreviewText, id)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("preset", req.Voice).Msg("tts preview failed")
		writeError(w, http.StatusBadGateway, "synthesis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": clip.URL, "voiceId": id})
}

func (s *Server) handleVoicePreference(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "call store disabled")
		return
	}
	var req voiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, ok := s.Voices.Preset(req.Voice)
	if req.UserID == "" || !ok {
		writeError(w, http.StatusBadRequest, "userId and a known voice preset are required")
		return
	}
	if err := s.Store.SetVoicePreference(r.Context(), req.UserID, id, req.Voice); err != nil {
		log.Error().Err(err).Str("component", "server").Str("user_id", req.UserID).Msg("save voice preference")
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": req.UserID, "voice": req.Voice, "voiceId": id})
}
