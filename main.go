package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/wagate/internal/auth"
	"github.com/gluk-w/wagate/internal/automation"
	"github.com/gluk-w/wagate/internal/billing"
	"github.com/gluk-w/wagate/internal/config"
	"github.com/gluk-w/wagate/internal/crypto"
	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/handlers"
	"github.com/gluk-w/wagate/internal/instance"
	"github.com/gluk-w/wagate/internal/jobs"
	"github.com/gluk-w/wagate/internal/lifecycle"
	"github.com/gluk-w/wagate/internal/logging"
	"github.com/gluk-w/wagate/internal/messages"
	"github.com/gluk-w/wagate/internal/middleware"
	"github.com/gluk-w/wagate/internal/notify"
	"github.com/gluk-w/wagate/internal/orchestrator"
	"github.com/gluk-w/wagate/internal/session"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, Listen=%s, Backend=%s", config.Cfg.AuthDisabled, config.Cfg.ListenAddr, config.Cfg.OrchestratorBackend)

	sessionStore := auth.NewSessionStore(config.Cfg.SessionDuration)
	handlers.SessionStore = sessionStore

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.InitOrchestrator(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}

	// Session lifecycle
	store := database.NewStore(database.DB, crypto.InstanceTokens{})
	bg := lifecycle.NewBackground(ctx)
	factory := &automation.Factory{
		Browsers:    orchestrator.Active{},
		DialTimeout: config.Cfg.AutomationDialTimeout,
		CallTimeout: config.Cfg.AutomationCallTimeout,
	}
	processor := messages.NewProcessor(store, config.Cfg.WebhookTimeout)
	driver := lifecycle.NewDriver(session.NewTable(), factory, store, processor, bg, lifecycle.Options{
		RetryDelay:   config.Cfg.StartRetryDelay,
		MaxAttempts:  config.Cfg.StartMaxAttempts,
		WaitAttempts: config.Cfg.WaitStatusAttempts,
		WaitInterval: config.Cfg.WaitStatusInterval,
	})
	handlers.Driver = driver
	handlers.Instances = instance.NewService(store, driver, config.Cfg.AutoRestartWindow)

	// Billing
	plan, err := billing.LoadPlan(config.Cfg.PaymentPlanPath)
	if err != nil {
		log.Printf("WARNING: billing plan unavailable, new subscriptions disabled: %v", err)
	}
	if config.Cfg.PaymentSubscriptionsURL == "" {
		log.Printf("WARNING: WAGATE_PAYMENT_SUBSCRIPTIONS_URL not set, billing provider calls will fail")
	}
	provider := billing.NewHTTPProvider(config.Cfg.PaymentSubscriptionsURL, config.Cfg.PaymentClientID, config.Cfg.PaymentSecret, 30*time.Second)
	bridge := billing.NewBridge(store, provider, driver, notify.NewMailer(), plan)
	handlers.Billing = bridge

	// Scheduled jobs
	scheduler := jobs.New(ctx)
	if err := scheduler.AddServiceSweep(config.Cfg.ServiceSweepSchedule, bridge); err != nil {
		log.Fatalf("Jobs: %v", err)
	}
	if err := scheduler.AddSessionCleanup(sessionStore); err != nil {
		log.Fatalf("Jobs: %v", err)
	}
	scheduler.Start()

	// Bring back sessions that were live before the restart
	if n, err := driver.ResumeAll(ctx); err != nil {
		log.Printf("WARNING: resume sessions: %v", err)
	} else {
		log.Printf("Resuming %d session(s)", n)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Session endpoints (instance token)
		r.Get("/sessions/{id}/qr", handlers.GetSessionQR)
		r.Get("/sessions/{id}/status", handlers.GetSessionStatus)
		r.Get("/sessions/{id}/browser", handlers.GetSessionBrowser)
		r.Post("/sessions/{id}/restart", handlers.RestartSession)
		r.Post("/sessions/{id}/logout", handlers.LogoutSession)
		r.Post("/sessions/{id}/messages", handlers.SendSessionMessage)

		// Payment provider callbacks
		r.Get("/payments/sucess", handlers.CaptureSubscription)
		r.Post("/payments/sucess", handlers.CaptureSubscriptionRecurrent)
		r.Post("/payments/events", handlers.PaymentEvents)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Instances (filtered by owner unless admin)
			r.Get("/instances", handlers.ListInstances)
			r.Post("/instances", handlers.CreateInstance)
			r.Get("/instances/{id}", handlers.GetInstance)
			r.Put("/instances/{id}", handlers.UpdateInstance)
			r.Delete("/instances/{id}", handlers.DeleteInstance)
			r.Put("/instances/{id}/name", handlers.SaveInstanceName)
			r.Put("/instances/{id}/webhook", handlers.SaveInstanceWebhook)
			r.Get("/instances/{id}/messages", handlers.ListInstanceMessages)
			r.Post("/instances/{id}/subscribe", handlers.SubscribeInstance)

			r.Get("/payments", handlers.ListSubscriptions)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Get("/settings", handlers.GetSettings)
				r.Put("/settings", handlers.UpdateSettings)

				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Put("/users/{userId}", handlers.UpdateUserProfile)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Put("/users/{userId}/role", handlers.UpdateUserRole)
				r.Post("/users/{userId}/reset-password", handlers.ResetUserPassword)

				r.Get("/server-logs", handlers.GetServerLogs)
				r.Delete("/server-logs", handlers.ClearServerLogs)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	scheduler.Stop(5 * time.Second)
	if !bg.Shutdown(10 * time.Second) {
		log.Println("Background work did not stop in time")
	}
	cancel()
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	email := fs.String("email", "", "Email (create-admin only)")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: wagate --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			Email:        *email,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing sessions expire within %s.\n", *username, config.Cfg.SessionDuration)
	}
}
