package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CrowderSoup/kanban/database"
	"github.com/CrowderSoup/kanban/handlers"
	"github.com/CrowderSoup/kanban/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var envFile string
	var cfg Config
	var logger *zap.SugaredLogger

	root := &cobra.Command{
		Use:          "kanban",
		Short:        "Kanban board server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = LoadConfig(v, envFile); err != nil {
				return err
			}
			logger, err = NewLogger(cfg.LogLevel, cfg.LogFormat)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file to load if present")
	root.PersistentFlags().String("store", "", "store driver: sqlite or postgrest")
	_ = v.BindPFlag("STORE_DRIVER", root.PersistentFlags().Lookup("store"))

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the board API and websocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
	serveCmd.Flags().String("port", "", "port to listen on")
	_ = v.BindPFlag("PORT", serveCmd.Flags().Lookup("port"))

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQLite schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StoreDriver != driverSQLite {
				return fmt.Errorf("migrate only applies to the sqlite store, not %q", cfg.StoreDriver)
			}
			db, err := database.InitDB(cfg.SQLitePath)
			if err != nil {
				return err
			}
			logger.Infof("Schema ready in %s", cfg.SQLitePath)
			return db.Close()
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

// openStore builds the configured store. The returned func releases it.
func openStore(cfg Config, logger *zap.SugaredLogger) (database.Store, func(), error) {
	switch cfg.StoreDriver {
	case driverPostgREST:
		store, err := database.NewPostgRESTStore(cfg.PostgREST)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Using PostgREST store at %s", cfg.PostgREST.URL)
		return store, func() {}, nil
	default:
		db, err := database.InitDB(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Infof("Using SQLite store at %s", cfg.SQLitePath)
		return database.NewSQLiteStore(db), func() { db.Close() }, nil
	}
}

func serve(ctx context.Context, cfg Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize services
	gateway := services.NewGateway(store, logger.Named("gateway"), cfg.MaxInFlight)
	hub := services.NewHub(logger.Named("hub"))
	go hub.Run(ctx)
	boards := services.NewBoards(gateway, hub, logger.Named("board"))

	// Setup router
	r := mux.NewRouter()
	r.Use(handlers.NewRequestLogger(logger.Named("http")).Log)
	handlers.NewDataHandler(gateway, boards, logger).Register(r)
	handlers.NewBoardHandler(boards, hub, logger, cfg.AllowedOrigins).Register(r)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Static file server for the frontend
	r.PathPrefix("/").Handler(http.FileServer(http.Dir("./public")))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", handlers.RequestIDHeader},
		ExposedHeaders:   []string{handlers.RequestIDHeader},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
