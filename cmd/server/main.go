// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/speedtcode/server/internal/auth"
	"github.com/speedtcode/server/internal/config"
	"github.com/speedtcode/server/internal/database"
	"github.com/speedtcode/server/internal/handlers"
	"github.com/speedtcode/server/internal/lobby"
	"github.com/speedtcode/server/internal/middleware"
	"github.com/speedtcode/server/internal/problems"
	"github.com/speedtcode/server/internal/ranking"
)

func main() {
	auth.Init()
	cfg := config.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	// Postgres backs accounts and the round archive; lobbies run fine
	// without it.
	if os.Getenv("PG_HOST") != "" {
		database.ConnectDB()
	} else {
		logger.Info("PG_HOST not set, accounts and round archive disabled")
	}

	catalog, err := problems.Load(cfg.ProblemsDir, logger)
	if err != nil {
		log.Fatalf("failed to load problem catalog: %v", err)
	}

	ranks := ranking.Connect(logger)

	mgr := lobby.NewManager(logger, catalog, clockwork.NewRealClock())
	if database.Available() {
		mgr.Archiver = database.RoundArchiver{}
	}
	go mgr.RunReaper(context.Background())

	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "active", "message": "Speed(t)Code API is running"})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// user endpoints
	mux.HandleFunc("/user/create", handlers.CreateUserHandler)
	mux.HandleFunc("/user/login", handlers.LoginHandler)

	// lobby endpoints
	mux.Handle("/api/lobbies", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.CreateLobbyHandler(logger, mgr),
	)))
	mux.Handle("/api/lobbies/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.GetLobbyHandler(mgr),
	)))

	// lobby ws
	mux.Handle("/ws/lobby/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.LobbyWSHandler(logger, mgr),
	)))

	// catalog, results, leaderboard, user stats
	mux.Handle("/api/problems", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.ProblemsHandler(catalog),
	)))
	mux.Handle("/api/problems/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.ProblemsHandler(catalog),
	)))
	mux.Handle("/api/results", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.SubmitResultHandler(logger, catalog, ranks),
	)))
	mux.Handle("/api/leaderboard/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.LeaderboardHandler(ranks),
	)))
	mux.Handle("/api/users/", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.UserStatsHandler(ranks),
	)))

	addr := ":" + cfg.ServerPort
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
