package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrgrad/internal/auth"
	"qrgrad/internal/broadcast"
	"qrgrad/internal/ceremony"
	"qrgrad/internal/config"
	"qrgrad/internal/display"
	"qrgrad/internal/httpmiddleware"
	"qrgrad/internal/photos"
	"qrgrad/internal/queue"
	"qrgrad/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var kv store.KV
	if cfg.StoreBackend == "memory" {
		kv = store.NewMemory()
		log.Println("using in-memory store; data will not survive a restart")
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		kv = pg
	}

	var bc broadcast.Broadcaster
	if cfg.BroadcastBackend == "memory" {
		bc = broadcast.NewInMemory(kv)
	} else {
		bc = broadcast.NewRedis(redisClient.Client, "qrgrad:ceremony", kv)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrgrad:announcements")
	}

	repo := ceremony.NewRepository(kv)
	if cfg.SeedIfEmpty {
		if err := repo.Seed(ctx); err != nil {
			return err
		}
	}

	accounts := auth.NewAccounts(kv)
	if err := accounts.SeedDefaultAdmin(ctx); err != nil {
		return err
	}

	st, err := ceremony.NewStore(ctx, repo, bc)
	if err != nil {
		return err
	}

	scanSvc := ceremony.NewScanService(st, queue.NewAnnouncementPublisher(q), cfg.ScanDebounce, cfg.DisplayClearDelay)
	defer scanSvc.Stop()

	// Cloudinary client (nil when not configured)
	var photoClient *photos.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		photoClient = photos.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	// Display surfaces follow broadcasts through the observer; the hub
	// pushes every visual change to connected websockets.
	hub := display.NewHub()
	observer := display.NewObserver(cfg.DisplayRevealHold, hub.Broadcast)
	observer.SetState(st.State())

	envs, err := bc.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for env := range envs {
			observer.Apply(env)
			// The pub/sub backends echo our own publishes back. Only
			// foreign snapshots may overwrite local state; an echoed
			// older envelope would roll back a newer mutation.
			if env.Origin == bc.Origin() {
				continue
			}
			if err := st.ApplyRemote(ctx, env.CeremonyState); err != nil {
				log.Printf("apply remote state failed: %v", err)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := cfg.BroadcastBackend == "memory" && cfg.QueueBackend == "memory" ||
			redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "displays": hub.Count()})
	})

	r.POST("/v1/auth/register", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := accounts.SignUp(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, auth.ErrEmailTaken) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(user.ID, user.Email, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          user.Role,
		})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := accounts.SignIn(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(user.ID, user.Email, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          user.Role,
		})
	})

	r.POST("/v1/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		tokens, err := auth.Issue(claims.Subject, claims.Email, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"role":          claims.Role,
		})
	})

	// Display surfaces read state and follow the websocket without a
	// token; they never mutate anything.
	r.GET("/v1/display/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, observer.Snapshot())
	})

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	r.GET("/v1/display/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		hub.Add(conn)
		if err := conn.WriteJSON(observer.Snapshot()); err != nil {
			hub.Remove(conn)
			return
		}
		go func() {
			defer hub.Remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	admin := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer), auth.RequireRole(auth.RoleAdmin))

	admin.POST("/upload", func(c *gin.Context) {
		if photoClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "photo storage not configured"})
			return
		}

		contentType := c.ContentType()
		var result *photos.UploadResult
		var err error

		switch {
		case strings.Contains(contentType, "multipart/form-data"):
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = photoClient.UploadBytes(data, header.Filename)

		default:
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = photoClient.UploadBase64(body.Data)
		}

		if err != nil {
			log.Printf("photo upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "photo upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": result.SecureURL, "public_id": result.PublicID})
	})

	admin.GET("/students", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"students": st.Students()})
	})

	admin.POST("/students", func(c *gin.Context) {
		var req struct {
			Name      string   `json:"name" binding:"required"`
			FirstName string   `json:"firstName"`
			LastName  string   `json:"lastName"`
			Photo     string   `json:"photo"`
			Section   string   `json:"section"`
			Awards    []string `json:"awards"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		student, err := st.AddStudent(c.Request.Context(), ceremony.Student{
			Name:      req.Name,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Photo:     req.Photo,
			Section:   req.Section,
			Awards:    req.Awards,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ceremony.ErrStudentLimit) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, student)
	})

	admin.PATCH("/students/:id", func(c *gin.Context) {
		var upd ceremony.StudentUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		student, err := st.UpdateStudent(c.Request.Context(), c.Param("id"), upd)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if student == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		c.JSON(http.StatusOK, student)
	})

	admin.DELETE("/students/:id", func(c *gin.Context) {
		ok, err := st.DeleteStudent(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	admin.POST("/students/:id/walk", func(c *gin.Context) {
		student, err := st.MarkStudentWalked(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Unknown ids are a silent no-op by design.
		c.JSON(http.StatusOK, gin.H{"student": student})
	})

	admin.POST("/students/:id/display", func(c *gin.Context) {
		result, err := scanSvc.Display(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	admin.POST("/scan", func(c *gin.Context) {
		var req struct {
			Code string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := scanSvc.Scan(c.Request.Context(), req.Code)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	admin.GET("/sections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sections": st.Sections()})
	})

	admin.POST("/sections", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		section, err := st.AddSection(c.Request.Context(), req.Name)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ceremony.ErrSectionLimit) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, section)
	})

	admin.PATCH("/sections/:id", func(c *gin.Context) {
		var upd ceremony.SectionUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		section, err := st.UpdateSection(c.Request.Context(), c.Param("id"), upd)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if section == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "section not found"})
			return
		}
		c.JSON(http.StatusOK, section)
	})

	admin.DELETE("/sections/:id", func(c *gin.Context) {
		ok, err := st.DeleteSection(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "section not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	admin.POST("/sections/:id/toggle-scanning", func(c *gin.Context) {
		section, err := st.ToggleSectionScanning(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ceremony.ErrSectionNotActive) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if section == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "section not found"})
			return
		}
		c.JSON(http.StatusOK, section)
	})

	admin.GET("/ceremony/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, st.State())
	})

	admin.POST("/ceremony/start", func(c *gin.Context) {
		if err := st.StartCeremony(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	admin.POST("/ceremony/end", func(c *gin.Context) {
		if err := st.EndCeremony(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	admin.POST("/ceremony/reset", func(c *gin.Context) {
		if err := st.ResetCeremony(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	admin.PUT("/ceremony/active-section", func(c *gin.Context) {
		var req struct {
			SectionID string `json:"sectionId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := st.SetActiveSection(c.Request.Context(), req.SectionID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	admin.POST("/ceremony/current-student", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"studentId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var student *ceremony.Student
		if req.StudentID != "" {
			if student = st.GetStudent(req.StudentID); student == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
		}
		if err := st.SetCurrentStudent(c.Request.Context(), student); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st.State())
	})

	admin.GET("/walked", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"walked": st.WalkedLog()})
	})

	admin.DELETE("/walked", func(c *gin.Context) {
		if err := st.ClearWalkedLog(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
