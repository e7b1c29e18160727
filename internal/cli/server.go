package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"proctor-service/internal/app"
	"proctor-service/internal/config"
	"proctor-service/internal/domain"
	"proctor-service/internal/hub"
	"proctor-service/internal/infra/memory"
	pgloader "proctor-service/internal/infra/postgres"
	redisinfra "proctor-service/internal/infra/redis"
	transport "proctor-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the proctoring server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var attempts app.AttemptStore
	if redisClient != nil {
		attempts = redisinfra.NewAttemptStore(redisClient)
	} else {
		attempts = memory.NewAttemptStore()
	}

	timerTick := config.TTLDuration(cfg.Proctor.TimerTick, time.Second)
	service := app.NewProctorService(attempts, quizRepo, timerTick)
	defer service.Shutdown()

	monitorInterval := config.TTLDuration(cfg.Proctor.MonitorInterval, 5*time.Second)
	heartbeat := config.TTLDuration(cfg.Proctor.HeartbeatInterval, 30*time.Second)
	broadcast := hub.NewHub(hub.NewRegistry(), service, monitorInterval, 3*heartbeat)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go broadcast.Run(hubCtx)

	wsHandler := transport.NewWSHandler(service, broadcast, heartbeat, cfg.Proctor.TabSwitchThreshold)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 0, // websocket connections stay open; reads are deadline-guarded per message
	}

	go func() {
		log.Printf("starting proctor service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides minimal quiz content for no-database deployments;
// production uses the Postgres loader.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:               "quiz-1",
			Title:            "Sample assessment",
			TimeLimitMinutes: 30,
			Questions: []domain.Question{
				{
					ID:      "q1",
					Prompt:  "What is 2 + 2?",
					Options: []string{"3", "4", "5"},
					Answer:  1,
				},
				{
					ID:      "q2",
					Prompt:  "What is the capital of France?",
					Options: []string{"Lyon", "Marseille", "Paris"},
					Answer:  2,
				},
			},
		},
	}
}
