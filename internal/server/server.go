package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"videohub/internal/config"
	"videohub/internal/hub"
)

// Server は制御用 HTTP API を管理する構造体
type Server struct {
	config     *config.Config
	hub        *hub.Instance
	engine     *gin.Engine
	httpServer *http.Server

	id      string
	started time.Time

	mu   sync.Mutex
	addr string
}

// New は新しい Server インスタンスを作成する
func New(cfg *config.Config, inst *hub.Instance) *Server {
	s := &Server{
		config:  cfg,
		hub:     inst,
		id:      uuid.NewString(),
		started: time.Now(),
	}

	s.engine = gin.New()
	s.engine.Use(requestLogger(), gin.Recovery())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler は API のハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr は実際に待ち受けているアドレスを返す（起動前は空文字列）
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// setupRoutes は HTTP ルートを設定する
func (s *Server) setupRoutes() {
	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", s.handleRoot)

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/cameras", s.handleCameras)

	sources := api.Group("/sources")
	sources.GET("", s.handleListSources)
	sources.GET("/:handle", s.handleGetSource)
	sources.PUT("/:handle/mode", s.handleSetSourceMode)
	sources.PUT("/:handle/properties/:name", s.handleSetSourceProperty)

	sinks := api.Group("/sinks")
	sinks.GET("", s.handleListSinks)
	sinks.GET("/:handle", s.handleGetSink)
	sinks.PUT("/:handle/enabled", s.handleSetSinkEnabled)
	sinks.PUT("/:handle/source", s.handleSetSinkSource)
}

// requestLogger はリクエストごとにアクセスログを出力するミドルウェア
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logrus.WithFields(logrus.Fields{
			"function": "requestLogger",
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"client":   c.ClientIP(),
		}).Debug("リクエストを処理しました")
	}
}

// Start はサーバーを起動する
//
// コンテキストのキャンセル、SIGINT/SIGTERM の受信、またはサーバーエラーまでブロックする。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"address":  ln.Addr().String(),
		}).Info("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		logrus.WithField("function", "Start").Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"signal":   sig.String(),
		}).Info("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	logrus.WithField("function", "Shutdown").Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	logrus.WithField("function", "Shutdown").Info("サーバーが正常にシャットダウンされました")
	return nil
}
