package httpapi

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/devhowyalike/rapgpt-sub001/internal/engine"
	"github.com/devhowyalike/rapgpt-sub001/internal/live"
	"github.com/devhowyalike/rapgpt-sub001/internal/stats"
	"github.com/devhowyalike/rapgpt-sub001/internal/store"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxCodeAttempts = 8

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyLive),
		errors.Is(err, engine.ErrNotLive),
		errors.Is(err, engine.ErrStaleRound),
		errors.Is(err, engine.ErrAlreadyVoted),
		errors.Is(err, engine.ErrBattleCompleted),
		errors.Is(err, live.ErrGenerationInFlight),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrWrongRound),
		errors.Is(err, engine.ErrRoundIncomplete),
		errors.Is(err, engine.ErrWrongPhase),
		errors.Is(err, engine.ErrWrongPerformer),
		errors.Is(err, engine.ErrUnknownPersona),
		errors.Is(err, engine.ErrMissingUser),
		errors.Is(err, engine.ErrEmptyComment),
		errors.Is(err, engine.ErrInvalidDuration),
		errors.Is(err, live.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return false
	}
	return true
}

type personaRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Style string `json:"style"`
}

type createBattleRequest struct {
	Title     string           `json:"title"`
	Personas  []personaRequest `json:"personas"`
	MaxRounds int              `json:"maxRounds"`
}

// CreateBattle allocates a short collision-checked battle code.
func CreateBattle(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBattleRequest
		if !decode(w, r, &req) {
			return
		}
		personas := make([]engine.Persona, 0, len(req.Personas))
		for _, p := range req.Personas {
			personas = append(personas, engine.Persona{ID: p.ID, Name: p.Name, Style: p.Style})
		}

		for i := 0; i < maxCodeAttempts; i++ {
			code, err := GenerateCode()
			if err != nil {
				writeError(w, log, err)
				return
			}
			b, err := svc.CreateBattle(r.Context(), code, req.Title, personas, req.MaxRounds)
			if errors.Is(err, store.ErrExists) {
				log.Debug("collision on battle code, regenerating", zap.String("code", code))
				continue
			}
			if err != nil {
				writeError(w, log, err)
				return
			}
			writeJSON(w, http.StatusCreated, live.View(b))
			return
		}
		writeError(w, log, store.ErrExists)
	}
}

// GetBattle is the resync snapshot.
func GetBattle(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Snapshot(r.Context(), chi.URLParam(r, "battleID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func StartLive(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.StartLive(r.Context(), chi.URLParam(r, "battleID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, live.View(b))
	}
}

func StopLive(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.StopLive(r.Context(), chi.URLParam(r, "battleID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, live.View(b))
	}
}

// phaseRequest takes whole seconds, the unit phase events carry.
type phaseRequest struct {
	Phase    string `json:"phase"`
	Duration int    `json:"duration"`
}

func BeginPhase(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req phaseRequest
		if !decode(w, r, &req) {
			return
		}
		b, err := svc.BeginPhase(r.Context(), chi.URLParam(r, "battleID"), engine.Phase(req.Phase), time.Duration(req.Duration)*time.Second)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, live.View(b))
	}
}

type advanceRequest struct {
	FromRound int `json:"fromRound"`
}

func AdvanceRound(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req advanceRequest
		if !decode(w, r, &req) {
			return
		}
		b, err := svc.AdvanceRound(r.Context(), chi.URLParam(r, "battleID"), req.FromRound)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, live.View(b))
	}
}

func GenerateVerse(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.GenerateVerse(r.Context(), chi.URLParam(r, "battleID")); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, struct {
			Status string `json:"status"`
		}{Status: "generating"})
	}
}

type voteRequest struct {
	Round     int    `json:"round"`
	PersonaID string `json:"personaId"`
	UserID    string `json:"userId"`
}

func CastVote(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req voteRequest
		if !decode(w, r, &req) {
			return
		}
		b, err := svc.CastVote(r.Context(), chi.URLParam(r, "battleID"), req.Round, req.PersonaID, req.UserID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, live.View(b))
	}
}

type commentRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

func PostComment(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commentRequest
		if !decode(w, r, &req) {
			return
		}
		c, err := svc.PostComment(r.Context(), chi.URLParam(r, "battleID"), engine.Comment{
			ID:     req.ID,
			UserID: req.UserID,
			Author: req.Author,
			Text:   req.Text,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, protocol.Comment{
			ID:        c.ID,
			UserID:    c.UserID,
			Author:    c.Author,
			Text:      c.Text,
			Round:     c.Round,
			CreatedAt: c.CreatedAt.UnixMilli(),
		})
	}
}

// SetAutoPlay takes durations in seconds.
func SetAutoPlay(svc *live.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.AutoPlay
		if !decode(w, r, &req) {
			return
		}
		b, err := svc.SetAutoPlay(r.Context(), chi.URLParam(r, "battleID"), engine.AutoPlay{
			Enabled:         req.Enabled,
			VerseDelay:      time.Duration(req.VerseDelay) * time.Second,
			ReadingDuration: time.Duration(req.ReadingDuration) * time.Second,
			VotingDuration:  time.Duration(req.VotingDuration) * time.Second,
			AutoAdvance:     req.AutoAdvance,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, live.View(b))
	}
}

func Stats(p stats.Provider, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := p.Stats(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
