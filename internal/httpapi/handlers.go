package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/hub"
	"github.com/DoyleJ11/gpose-together/internal/nearby"
	"github.com/DoyleJ11/gpose-together/internal/posestore"
)

const maxPoseBody = 4 << 20

type lobbyCreated struct {
	Lobby string `json:"lobby"`
}

func CreateLobby(h *hub.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm, err := h.Create(r.Context())
		if err != nil {
			logger.Warn("create lobby", zap.Error(err))
			http.Error(w, "failed to create lobby", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, lobbyCreated{Lobby: rm.ID()})
	}
}

func ListPoses(store posestore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := posestore.Query{
			MapID:    uint32(queryUint(r, "map")),
			ServerID: uint32(queryUint(r, "server")),
			Limit:    int(queryUint(r, "limit")),
		}
		poses, err := store.List(r.Context(), q)
		if err != nil {
			logger.Error("list poses", zap.Error(err))
			http.Error(w, "failed to list poses", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, poses)
	}
}

func PutPose(store posestore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p nearby.SharedPose
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPoseBody)).Decode(&p); err != nil {
			http.Error(w, "bad pose json", http.StatusBadRequest)
			return
		}
		saved, err := store.Put(r.Context(), p)
		switch {
		case errors.Is(err, posestore.ErrInvalidPose):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, posestore.ErrNotOwner):
			http.Error(w, err.Error(), http.StatusForbidden)
		case err != nil:
			logger.Error("put pose", zap.Error(err))
			http.Error(w, "failed to save pose", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusCreated, saved)
		}
	}
}

func DeletePose(store posestore.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		if uid == "" {
			http.Error(w, "missing uid", http.StatusBadRequest)
			return
		}
		err := store.Delete(r.Context(), chi.URLParam(r, "id"), uid)
		switch {
		case errors.Is(err, posestore.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, posestore.ErrNotOwner):
			http.Error(w, err.Error(), http.StatusForbidden)
		case err != nil:
			logger.Error("delete pose", zap.Error(err))
			http.Error(w, "failed to delete pose", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryUint returns 0 for a missing or malformed parameter.
func queryUint(r *http.Request, key string) uint64 {
	n, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 32)
	if err != nil {
		return 0
	}
	return n
}
