package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/battle/matchmaking"
	"github.com/mcdev12/arena/go/internal/battle/move"
	"github.com/mcdev12/arena/go/internal/battle/queue"
	"github.com/mcdev12/arena/go/internal/battle/room"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Matchmaker defines what the handlers need from the matchmaking coordinator.
type Matchmaker interface {
	JoinQueue(ctx context.Context, playerID uuid.UUID, tier string, bet int64) (*models.QueueEntry, error)
	LeaveQueue(ctx context.Context, playerID uuid.UUID) error
	ConfirmMatch(ctx context.Context, roomID, playerID uuid.UUID) (*models.Room, error)
}

// RoomReader defines what the handlers need from the room app.
type RoomReader interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	FindActiveRoomForPlayer(ctx context.Context, playerID uuid.UUID) (*models.Room, error)
}

// MoveWriter defines what the handlers need from the move app.
type MoveWriter interface {
	Append(ctx context.Context, req move.AppendMoveRequest) (*models.Move, error)
}

// PresenceSource reports which players hold a live socket to a room.
type PresenceSource interface {
	PlayerPresence(roomID uuid.UUID) map[string]time.Time
}

// Handlers is the REST surface of the gateway. All gameplay writes come
// through here; the WebSocket side is read-only.
type Handlers struct {
	matchmaker Matchmaker
	rooms      RoomReader
	moves      MoveWriter
	presence   PresenceSource
}

func NewHandlers(matchmaker Matchmaker, rooms RoomReader, moves MoveWriter) *Handlers {
	return &Handlers{matchmaker: matchmaker, rooms: rooms, moves: moves}
}

// WithPresence wires the connection manager in as the presence source and
// enables the room presence endpoint.
func (h *Handlers) WithPresence(p PresenceSource) *Handlers {
	h.presence = p
	return h
}

// RegisterRoutes registers the REST routes with an HTTP mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/queue/join", h.handleJoinQueue)
	mux.HandleFunc("POST /api/queue/leave", h.handleLeaveQueue)
	mux.HandleFunc("GET /api/rooms/{id}", h.handleGetRoom)
	mux.HandleFunc("POST /api/rooms/{id}/confirm", h.handleConfirm)
	mux.HandleFunc("POST /api/rooms/{id}/answers", h.handleSubmitAnswer)
	mux.HandleFunc("GET /api/players/{id}/room", h.handleActiveRoom)
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.presence != nil {
		mux.HandleFunc("GET /api/rooms/{id}/presence", h.handlePresence)
	}
}

type joinQueueRequest struct {
	PlayerID  string `json:"player_id"`
	Tier      string `json:"tier"`
	BetAmount int64  `json:"bet_amount"`
}

func (h *Handlers) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	playerID, err := uuid.Parse(req.PlayerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player_id")
		return
	}

	entry, err := h.matchmaker.JoinQueue(r.Context(), playerID, req.Tier, req.BetAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type leaveQueueRequest struct {
	PlayerID string `json:"player_id"`
}

func (h *Handlers) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	var req leaveQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	playerID, err := uuid.Parse(req.PlayerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player_id")
		return
	}

	if err := h.matchmaker.LeaveQueue(r.Context(), playerID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	rm, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoomView(rm))
}

type confirmRequest struct {
	PlayerID string `json:"player_id"`
}

func (h *Handlers) handleConfirm(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	playerID, err := uuid.Parse(req.PlayerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player_id")
		return
	}

	rm, err := h.matchmaker.ConfirmMatch(r.Context(), roomID, playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoomView(rm))
}

type submitAnswerRequest struct {
	PlayerID      string `json:"player_id"`
	QuestionIndex int    `json:"question_index"`
	OptionIndex   *int   `json:"option_index"` // null means the question timed out
}

type submitAnswerResponse struct {
	Recorded      bool `json:"recorded"`
	AlreadyExists bool `json:"already_exists"`
	QuestionIndex int  `json:"question_index"`
}

func (h *Handlers) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	playerID, err := uuid.Parse(req.PlayerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player_id")
		return
	}

	_, err = h.moves.Append(r.Context(), move.AppendMoveRequest{
		RoomID:        roomID,
		PlayerID:      playerID,
		QuestionIndex: req.QuestionIndex,
		OptionIndex:   req.OptionIndex,
	})
	if errors.Is(err, move.ErrAlreadyAnswered) {
		// A racing submission for the same slot already landed; from the
		// client's point of view that is success.
		writeJSON(w, http.StatusOK, submitAnswerResponse{
			Recorded:      false,
			AlreadyExists: true,
			QuestionIndex: req.QuestionIndex,
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitAnswerResponse{
		Recorded:      true,
		QuestionIndex: req.QuestionIndex,
	})
}

func (h *Handlers) handleActiveRoom(w http.ResponseWriter, r *http.Request) {
	playerID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player id")
		return
	}

	rm, err := h.rooms.FindActiveRoomForPlayer(r.Context(), playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRoomView(rm))
}

// handlePresence merges the room's seats with live socket state.
func (h *Handlers) handlePresence(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	rm, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	live := h.presence.PlayerPresence(roomID)
	players := make([]models.Player, 0, 2)
	for _, playerID := range []uuid.UUID{rm.PlayerA, rm.PlayerB} {
		p := models.Player{ID: playerID, Tier: rm.Tier}
		if lastPing, ok := live[playerID.String()]; ok {
			p.Connected = true
			p.LastSeenAt = lastPing
		}
		players = append(players, p)
	}
	writeJSON(w, http.StatusOK, map[string][]models.Player{"players": players})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// roomView is the client-facing shape of a room. Questions are stripped of
// their correct index; correctness only ever leaves the server inside
// committed final scores.
type roomView struct {
	ID                   string              `json:"id"`
	Version              int64               `json:"version"`
	Status               models.RoomStatus   `json:"status"`
	Tier                 string              `json:"tier"`
	BetAmount            int64               `json:"bet_amount"`
	PlayerA              string              `json:"player_a"`
	PlayerB              string              `json:"player_b"`
	Questions            []questionView      `json:"questions"`
	CurrentQuestionIndex int                 `json:"current_question_index"`
	ConfirmedA           bool                `json:"confirmed_a"`
	ConfirmedB           bool                `json:"confirmed_b"`
	ConfirmDeadline      time.Time           `json:"confirm_deadline"`
	PlayDeadline         *time.Time          `json:"play_deadline,omitempty"`
	Winner               *uuid.UUID          `json:"winner,omitempty"`
	FinalScores          *models.FinalScores `json:"final_scores,omitempty"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

type questionView struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

func newRoomView(rm *models.Room) roomView {
	questions := make([]questionView, len(rm.Questions))
	for i, q := range rm.Questions {
		questions[i] = questionView{Prompt: q.Prompt, Options: q.Options}
	}
	return roomView{
		ID:                   rm.ID.String(),
		Version:              rm.Version,
		Status:               rm.Status,
		Tier:                 rm.Tier,
		BetAmount:            rm.BetAmount,
		PlayerA:              rm.PlayerA.String(),
		PlayerB:              rm.PlayerB.String(),
		Questions:            questions,
		CurrentQuestionIndex: rm.CurrentQuestionIndex,
		ConfirmedA:           rm.ConfirmedA,
		ConfirmedB:           rm.ConfirmedB,
		ConfirmDeadline:      rm.ConfirmDeadline,
		PlayDeadline:         rm.PlayDeadline,
		Winner:               rm.Winner,
		FinalScores:          rm.FinalScores,
		UpdatedAt:            rm.UpdatedAt,
	}
}

// writeDomainError maps domain sentinels onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, queue.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "player already queued")
	case errors.Is(err, matchmaking.ErrAlreadyInMatch):
		writeError(w, http.StatusConflict, "player already in an active match")
	case errors.Is(err, matchmaking.ErrInvalidTier):
		writeError(w, http.StatusBadRequest, "invalid tier or bet amount")
	case errors.Is(err, matchmaking.ErrDeadlinePassed):
		writeError(w, http.StatusGone, "confirmation window has closed")
	case errors.Is(err, matchmaking.ErrNotParticipant), errors.Is(err, move.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "player is not in this room")
	case errors.Is(err, move.ErrRoomNotPlaying):
		writeError(w, http.StatusConflict, "room is not accepting answers")
	case errors.Is(err, move.ErrInvalidIndex):
		writeError(w, http.StatusBadRequest, "invalid question or option index")
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
