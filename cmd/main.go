package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"dispatch-service/internal/dispatch"
	"dispatch-service/internal/eligibility"
	"dispatch-service/internal/fare"
	"dispatch-service/internal/geo"
	"dispatch-service/internal/identity"
	"dispatch-service/internal/locations"
	"dispatch-service/internal/notify"
	"dispatch-service/internal/payments"
	"dispatch-service/internal/requests"
	"dispatch-service/internal/tracking"
	"dispatch-service/internal/trips"
	"dispatch-service/migrations"
	"dispatch-service/pkg/config"
	"dispatch-service/pkg/db"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/kafka"
	rredis "dispatch-service/pkg/redis"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 1. Configuration ──
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := jwt.Init(cfg.JWTSecret); err != nil {
		log.Fatal(err)
	}

	// ── 2. PostgreSQL ──
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	if err := database.RunMigrations(ctx, migrations.FS); err != nil {
		log.Fatal("migrations failed:", err)
	}

	// ── 3. Redis ──
	redisClient, err := rredis.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatal(err)
	}
	defer redisClient.Close()

	// ── 4. Kafka ──
	brokers := strings.Split(cfg.KafkaBroker, ",")
	kafkaClient := kafka.NewClient(brokers)

	if err := kafkaClient.EnsureTopics(ctx,
		kafka.TopicTripAccepted,
		kafka.TopicTripCompleted,
		kafka.TopicTripCancelled,
		kafka.TopicTripRefunded,
		kafka.TopicSubscriptionExpired,
		kafka.TopicVerificationDecided,
	); err != nil {
		log.Fatal(err)
	}

	// ── 5. Services ──
	// identity and the geo index reference each other, so they are wired in
	// two steps: construct identity, hand it to the index as driver catalog,
	// then bind the index back as identity's presence sink.
	identitySvc := identity.NewService(database.Pool, eligibility.OnlineGate, kafkaClient)
	geoIndex := geo.NewIndex(redisClient.RDB(), identitySvc)
	identitySvc.BindPresence(geoIndex)

	calc := fare.Calculator{
		BaseFare:       cfg.BaseFare,
		PerKmRate:      cfg.PerKmRate,
		NightSurcharge: cfg.NightSurcharge,
		NightStartMin:  cfg.NightWindowStart,
		NightEndMin:    cfg.NightWindowEnd,
	}

	paymentLedger := payments.NewLedger(database.Pool)
	requestLedger := requests.NewLedger(database.Pool, geoIndex, identitySvc, cfg.RequestTTL)
	tripLedger := trips.NewLedger(database.Pool, geoIndex, paymentLedger)

	wsHub := tracking.NewHub()
	recorder := locations.NewRecorder(database.Pool, geoIndex, tripLedger, wsHub)

	coordinator := dispatch.NewCoordinator(database.Pool, requestLedger, tripLedger, geoIndex,
		identitySvc, recorder, calc, kafkaClient, dispatch.Options{
			SearchRadiusKm: cfg.MaxSearchRadiusKm,
			RatingReveal:   cfg.RatingRevealWindow,
		})

	// ── 6. Background consumers and jobs ──
	notifier := notify.NewNotifier(kafkaClient, wsHub)
	notifier.Start(ctx)

	sweeper := eligibility.NewSweeper(database.Pool, geoIndex, kafkaClient)

	scheduler := cron.New()
	scheduler.AddFunc("@every 1m", func() {
		if err := sweeper.SweepExpired(ctx); err != nil {
			log.Printf("[cron] subscription sweep: %v", err)
		}
	})
	scheduler.AddFunc("@every 1m", func() {
		if _, err := requestLedger.ExpireStale(ctx, time.Now()); err != nil {
			log.Printf("[cron] request expiry: %v", err)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	// ── 7. HTTP router ──
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(jwt.OptionalAuth)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dispatch-service"}`))
	})

	r.Mount("/", identity.NewHandler(identitySvc).Routes())
	r.Mount("/dispatch", dispatch.NewHandler(coordinator).Routes())
	r.Mount("/ws", wsHub.Routes())

	// ── 8. Start server ──
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("dispatch-service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// ── 9. Graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	cancel()
}
