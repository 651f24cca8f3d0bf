package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gpose-together/internal/hub"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/posestore"
	"github.com/DoyleJ11/gpose-together/internal/ws"
)

type Deps struct {
	Hub    *hub.Hub
	Poses  posestore.Store
	WS     ws.Options
	Logger *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	logger := logging.OrNop(d.Logger).Named("http")
	if d.WS.Logger == nil {
		d.WS.Logger = d.Logger
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Post("/lobbies", CreateLobby(d.Hub, logger))
	r.Get("/ws", ws.Handler(d.Hub, d.WS))

	r.Get("/poses", ListPoses(d.Poses, logger))
	r.Post("/poses", PutPose(d.Poses, logger))
	r.Delete("/poses/{id}", DeletePose(d.Poses, logger))
	return r
}
