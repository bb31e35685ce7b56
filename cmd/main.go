package main

import (
	"net/http"
	"os"
	"time"

	"authcore/api/handler"
	apiMiddleware "authcore/api/middleware"
	"authcore/api/routes"
	"authcore/config"
	"authcore/internal/repository"
	"authcore/internal/service"
	"authcore/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	db, err := config.ConnectDB(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}

	signer, err := utils.NewTokenSigner(cfg.SigningSecret, cfg.TokenIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		logger.WithError(err).Fatal("token signer setup failed")
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	mfaRepo := repository.NewMFASecretRepository(db)
	securityRepo := repository.NewSecurityLogRepository(db)

	var alerts service.AlertSender
	if sender := service.NewResendAlertSender(cfg.ResendAPIKey, cfg.AlertFrom); sender != nil {
		alerts = sender
	}

	tokenService := service.NewTokenService(
		sessionRepo,
		userRepo,
		securityRepo,
		alerts,
		signer,
		service.RealClock{},
	)

	authService := service.NewAuthService(
		userRepo,
		mfaRepo,
		securityRepo,
		tokenService,
		service.BcryptPasswordHasher{},
		&service.MFATokenIssuer{
			Secret: cfg.SigningSecret,
			Issuer: cfg.TokenIssuer,
			TTL:    cfg.MFATokenTTL,
		},
		service.NewTOTPProvider(cfg.TokenIssuer),
	)

	authHandler := handler.NewAuthHandler(authService, validate)
	authHandler.CookieDomain = cfg.CookieDomain
	authHandler.SecureCookies = cfg.SecureCookies

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(echoMiddleware.Recover())
	app.Use(echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogURI:      true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"status": v.Status,
				"method": v.Method,
				"uri":    v.URI,
				"ip":     v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}))

	authMiddleware := apiMiddleware.AuthMiddleware{Signer: signer}
	router := routes.NewRouter(app, authHandler, authMiddleware)
	router.RegisterRoutes()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithField("addr", cfg.HTTPAddr).Info("server started")
	if err := app.StartServer(server); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
