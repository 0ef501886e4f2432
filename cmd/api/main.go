package main

import (
	"context"
	"crypto/rsa"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/semopic/payments-api/internal/config"
	"github.com/semopic/payments-api/internal/domain/credit"
	"github.com/semopic/payments-api/internal/domain/payment"
	"github.com/semopic/payments-api/internal/middleware"
	"github.com/semopic/payments-api/internal/pkg/database"
	"github.com/semopic/payments-api/internal/pkg/jwt"
	pkgresponse "github.com/semopic/payments-api/internal/pkg/response"
	"github.com/semopic/payments-api/internal/pkg/wechatpay"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting Semopic payments API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		// The certificate cache degrades to in-memory only without Redis
		log.Warn().Err(err).Msg("Redis unavailable, platform certificates will not be cached across restarts")
		redisClient = nil
	}
	defer database.CloseRedis(redisClient)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- WeChat Pay wiring ----------
	// A broken payment configuration must not take the whole API down: the
	// service starts in fail-closed mode and payment endpoints return 503.
	var (
		providerClient payment.ProviderClient
		verifier       payment.NotificationVerifier
		wechatErr      = cfg.ValidateWechat()
	)
	if wechatErr == nil {
		signer, signErr := wechatpay.NewSigner(cfg.WechatMchID, cfg.WechatCertSerialNo, cfg.WechatPrivateKeyPath)
		if signErr != nil {
			wechatErr = signErr
		} else {
			timeout := time.Duration(cfg.WechatTimeoutSeconds) * time.Second
			certStore := wechatpay.NewCertStore(cfg.WechatBaseURL, signer, []byte(cfg.WechatAPIv3Key), redisClient, timeout)
			providerClient = wechatpay.NewClient(wechatpay.Config{
				AppID:              cfg.WechatAppID,
				MchID:              cfg.WechatMchID,
				APIv3Key:           cfg.WechatAPIv3Key,
				CertSerialNo:       cfg.WechatCertSerialNo,
				NotifyURL:          cfg.WechatNotifyURL,
				DefaultDescription: cfg.WechatOrderBody,
				BaseURL:            cfg.WechatBaseURL,
				Timeout:            timeout,
			}, signer)
			verifier = wechatpay.NewNotificationVerifier(certStore)
		}
	}
	if wechatErr != nil {
		log.Error().Err(wechatErr).Msg("WeChat Pay not configured, payment endpoints disabled")
		verifier = wechatpay.NewNotificationVerifier(disabledCertSource{err: wechatErr})
	}

	// ---------- Services ----------
	creditService := credit.NewService(db)
	paymentRepo := payment.NewRepository(db)
	paymentService := payment.NewService(paymentRepo, creditService, providerClient, cfg.WechatOrderBody)
	if wechatErr != nil {
		paymentService.SetConfigError(wechatErr)
	}

	// ---------- Handlers ----------
	creditHandler := credit.NewHandler(creditService)
	paymentHandler := payment.NewHandler(paymentService, verifier, []byte(cfg.WechatAPIv3Key))

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Mount("/payments/wechat", paymentHandler.Routes())
			r.Mount("/credits", creditHandler.Routes())
		})
	})

	// Provider callback is authenticated by signature, not by JWT
	r.Mount("/api/wechat", paymentHandler.CallbackRoutes())

	// ---------- Background reconciliation ----------
	worker := payment.NewWorker(paymentService, cfg.ReconcileInterval)
	if wechatErr == nil {
		worker.Start()
		defer worker.Stop()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}

// disabledCertSource backs the callback verifier while the payment subsystem
// is misconfigured, so inbound callbacks are rejected instead of panicking.
type disabledCertSource struct {
	err error
}

func (d disabledCertSource) PublicKey(ctx context.Context, serialNo string) (*rsa.PublicKey, error) {
	return nil, d.err
}
