package ocbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix     = "/debug"
	apiPrefix       = "/api"
	apiPathRoot     = "/"
	apiHealthCheck  = "/healthz"
	apiPathStats    = "/stats"
	apiPathReplies  = "/replies"
	apiPathQuit     = "/quit"
	apiRootResponse = "OCbot running"

	xRequestIDHeader    = "X-Request-ID"
	authorizationScheme = "Bearer "
	adminTokenBytes     = 24
)

var ErrNoAdminToken = errors.New("no admin token set")

// AdminCredential is the hashed bearer token for the /api routes.
// Only one row is used.
type AdminCredential struct {
	ModelUintID
	TokenHash string `json:"-" gorm:"column:token_hash" log:"[redacted]"`
	ModelUnixTime
}

// GenerateAdminToken returns a random token suitable for SetAdminToken
func GenerateAdminToken() (string, error) {
	return generateRandomHexString(adminTokenBytes)
}

// SetAdminToken replaces the admin API token
func SetAdminToken(ctx context.Context, db DBI, token string) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	hash, err := hashPassword(token)
	if err != nil {
		return fmt.Errorf("error hashing token: %w", err)
	}
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where("1 = 1").Delete(&AdminCredential{}).Error; e != nil {
				return e
			}
			return tx.Create(&AdminCredential{TokenHash: hash}).Error
		},
	)
}

// AdminTokenSet reports whether an admin API token has been set
func AdminTokenSet(ctx context.Context, db *gorm.DB) (bool, error) {
	_, err := getAdminCredential(ctx, db)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoAdminToken):
		return false, nil
	default:
		return false, err
	}
}

func getAdminCredential(ctx context.Context, db *gorm.DB) (*AdminCredential, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var cred AdminCredential
	err := db.WithContext(ctx).Order("id desc").Take(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoAdminToken
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// HTTPServer is the keep-alive endpoint (for hosts that require an open
// port), the health check, and the token-protected admin API.
type HTTPServer struct {
	bot                 *Bot
	config              *HTTPConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	loginRequestLimiter *rate.Limiter
	loginMu             sync.Mutex
	logger              *slog.Logger
}

type healthCheckResponse struct {
	Discord      DiscordStatus `json:"discord"`
	InFlight     int           `json:"in_flight"`
	Reservations int           `json:"reservations"`
	Uptime       string        `json:"uptime"`
}

type statsResponse struct {
	Replies ReplyStats    `json:"replies"`
	Discord DiscordStatus `json:"discord"`
	Version string        `json:"version"`
}

// GetRepliesQuery represents the query parameters for listing ReplyLog records
type GetRepliesQuery struct {
	Before uint `form:"before" binding:"omitempty,min=1"`
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=200"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func newHTTPServer(b *Bot, config *HTTPConfig, development bool) *HTTPServer {
	logger := newComponentLogger(config.LogLevel, "http")

	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	s := &HTTPServer{
		bot:    b,
		config: config,
		engine: r,
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(config.AdminLoginRateLimit),
			1,
		),
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		requestLoggerMiddleware(logger),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET(apiPathRoot, s.root)
	r.HEAD(apiPathRoot, s.root)
	r.GET(apiHealthCheck, s.healthCheck)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(s))
	protected.GET(apiPathStats, s.stats)
	protected.GET(apiPathReplies, s.getReplies)
	protected.POST(apiPathQuit, s.botQuit)

	return s
}

// Serve listens on the configured address and serves until Shutdown
// is called
func (s *HTTPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, s.config.ListenNetwork, s.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", s.config.Listen, err)
		}
		s.listener = ln
	}
	s.logger.InfoContext(ctx, "listening", "address", s.listener.Addr().String())
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *HTTPServer) root(c *gin.Context) {
	c.String(http.StatusOK, apiRootResponse)
}

func (s *HTTPServer) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Discord:      s.bot.discord.Status(),
			InFlight:     s.bot.handlerGuard.Len(),
			Reservations: s.bot.reservations.Len(),
			Uptime:       time.Since(s.bot.startedAt).Truncate(time.Second).String(),
		},
	)
}

func (s *HTTPServer) stats(c *gin.Context) {
	log := ginContextLogger(c)
	replies, err := replyStats(c.Request.Context(), s.bot.db)
	if err != nil {
		log.ErrorContext(c.Request.Context(), "error getting reply stats", tint.Err(err))
		ginReplyError(c, "error getting reply stats")
		return
	}
	c.JSON(
		http.StatusOK, statsResponse{
			Replies: replies,
			Discord: s.bot.discord.Status(),
			Version: Version,
		},
	)
}

func (s *HTTPServer) getReplies(c *gin.Context) {
	var query GetRepliesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if query.Limit == 0 {
		query.Limit = DefaultAPIRepliesPageLimit
	}

	logs, err := listReplyLogs(c.Request.Context(), s.bot.db, query.Before, query.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error listing replies",
			tint.Err(err),
		)
		ginReplyError(c, "error listing replies")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *HTTPServer) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.bot.Stop(ctx); err != nil {
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

// authMiddleware requires a bearer token matching the stored
// AdminCredential
func authMiddleware(s *HTTPServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), authorizationScheme)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		switch status := s.checkAdminToken(c, token); status {
		case http.StatusOK:
			c.Next()
		case http.StatusUnauthorized:
			c.AbortWithStatusJSON(status, httpError{Error: "unauthorized"})
		case http.StatusTooManyRequests:
			c.AbortWithStatus(status)
		default:
			ginReplyError(c, "internal server error")
		}
	}
}

// checkAdminToken verifies token against the stored AdminCredential,
// returning the HTTP status for the attempt. Failed attempts consume
// loginRequestLimiter, and once it's exhausted every attempt gets
// http.StatusTooManyRequests (without checking the token) until it
// refills.
func (s *HTTPServer) checkAdminToken(c *gin.Context, token string) int {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if s.loginRequestLimiter.Tokens() < 1 {
		logger.WarnContext(ctx, "login rate limited")
		return http.StatusTooManyRequests
	}

	cred, err := getAdminCredential(ctx, s.bot.db)
	if err != nil {
		if errors.Is(err, ErrNoAdminToken) {
			logger.WarnContext(ctx, "admin token not set")
			s.loginRequestLimiter.Allow()
			return http.StatusUnauthorized
		}
		logger.ErrorContext(ctx, "error getting admin credential", tint.Err(err))
		return http.StatusInternalServerError
	}

	valid, err := VerifyAdminToken(cred.TokenHash, token)
	if err != nil {
		logger.ErrorContext(ctx, "error verifying token", tint.Err(err))
		return http.StatusInternalServerError
	}
	if !valid {
		s.loginRequestLimiter.Allow()
		logger.WarnContext(ctx, "invalid admin token")
		return http.StatusUnauthorized
	}
	return http.StatusOK
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// requestLoggerMiddleware sets the base logger used by ginContextLogger
func requestLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(string(baseLoggerContextKey), logger)
		c.Next()
	}
}

const baseLoggerContextKey contextKey = "base_logger"

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}

	requestLogger := slog.Default()
	if base, ok := c.Get(string(baseLoggerContextKey)); ok {
		if l, ok := base.(*slog.Logger); ok {
			requestLogger = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration, response status and any errors
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// VerifyAdminToken checks token against a hash stored by SetAdminToken
func VerifyAdminToken(tokenHash string, token string) (bool, error) {
	return verifyPassword(tokenHash, token)
}
