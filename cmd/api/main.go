package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/campusworks/timetable-api/api/swagger"
	"github.com/campusworks/timetable-api/internal/handler"
	"github.com/campusworks/timetable-api/internal/middleware"
	"github.com/campusworks/timetable-api/internal/models"
	"github.com/campusworks/timetable-api/internal/repository"
	"github.com/campusworks/timetable-api/internal/service"
	"github.com/campusworks/timetable-api/pkg/cache"
	"github.com/campusworks/timetable-api/pkg/config"
	"github.com/campusworks/timetable-api/pkg/database"
	"github.com/campusworks/timetable-api/pkg/logger"
	corsmiddleware "github.com/campusworks/timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campusworks/timetable-api/pkg/middleware/requestid"
)

// @title Campus Timetable API
// @version 1.0.0
// @description Timetable scheduling service with conflict detection across class, teacher and room dimensions.
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		} else {
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, true)
			defer cacheRepo.Close()
		}
	}

	validate := validator.New()

	slotRepo := repository.NewSlotRepository(db, metricsSvc)
	classRepo := repository.NewClassRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	teacherRepo := repository.NewTeacherRepository(db)
	roomRepo := repository.NewRoomRepository(db)
	userRepo := repository.NewUserRepository(db)

	checker := service.NewConflictChecker(slotRepo)
	timetableSvc := service.NewTimetableService(slotRepo, checker, classRepo, subjectRepo, teacherRepo, roomRepo, cacheSvc, validate, logr, cfg.Timetable.Days)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})

	timetableHandler := handler.NewTimetableHandler(timetableSvc)
	authHandler := handler.NewAuthHandler(authSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	timetable := api.Group("/timetable", middleware.JWT(authSvc))
	timetable.GET("", timetableHandler.List)
	timetable.GET("/class/:id", timetableHandler.GetByClass)
	timetable.GET("/class/:id/export", timetableHandler.Export)
	timetable.GET("/teacher/:id", timetableHandler.GetByTeacher)
	timetable.GET("/room/:id", timetableHandler.GetByRoom)
	timetable.GET("/slot/:id", timetableHandler.GetSlot)

	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	timetable.POST("", adminOnly, middleware.Audit(userRepo, models.AuditActionSlotCreate, "timetable"), timetableHandler.Create)
	timetable.PATCH("/slot/:id", adminOnly, middleware.Audit(userRepo, models.AuditActionSlotUpdate, "timetable"), timetableHandler.Update)
	timetable.DELETE("/slot/:id", adminOnly, middleware.Audit(userRepo, models.AuditActionSlotDelete, "timetable"), timetableHandler.Delete)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
