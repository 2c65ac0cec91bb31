package mjpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
)

// Options は MJPEG サーバの設定
type Options struct {
	// MaxRequestLine はリクエスト行・ヘッダ行の最大長（改行を除く）
	MaxRequestLine int

	// MaxHeaderLines は読み捨てるヘッダ行数の上限
	MaxHeaderLines int

	// RequestTimeout はリクエストを読み終えるまでの制限時間
	RequestTimeout time.Duration

	// WriteTimeout は1回の書き込みの制限時間
	WriteTimeout time.Duration

	// FrameTimeout は新しいフレームを待つ時間
	FrameTimeout time.Duration

	// Quality は生フォーマットを圧縮する際の既定の JPEG 品質
	Quality int

	// FPS はストリームの既定の最大フレームレート（0 は制限なし）
	FPS int

	// OnConnClosed は接続ゴルーチンの後始末の最後に呼ばれる
	//
	// 接続の終了を通知した後に呼ぶため、Stop はこのフックの完了を待たずに戻ることがある。
	// フックの中から Stop を呼んでもよい。
	OnConnClosed func(id string)
}

// DefaultOptions は既定の設定を返す
func DefaultOptions() Options {
	return Options{
		MaxRequestLine: 4096,
		MaxHeaderLines: 100,
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		FrameTimeout:   time.Second,
		Quality:        camera.DefaultJPEGQuality,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRequestLine <= 0 {
		o.MaxRequestLine = def.MaxRequestLine
	}
	if o.MaxHeaderLines <= 0 {
		o.MaxHeaderLines = def.MaxHeaderLines
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = def.FrameTimeout
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = def.Quality
	}
	return o
}

type conn struct {
	id   string
	nc   net.Conn
	done chan struct{}
}

// Server はシンクに結び付いた MJPEG over HTTP サーバ
//
// 受け付け用に1つ、接続ごとに1つのゴルーチンを使う。
type Server struct {
	sink    *camera.Sink
	opts    Options
	address string

	mu         sync.Mutex
	port       int
	listener   net.Listener
	conns      map[*conn]struct{}
	acceptDone chan struct{}
	stopDone   chan struct{}
	cancel     context.CancelFunc

	active atomic.Bool
}

// New は MJPEG サーバを作成して sink に取り付ける（まだ待ち受けは開始しない）
func New(sink *camera.Sink, address string, port int, opts Options) *Server {
	s := &Server{
		sink:    sink,
		opts:    opts.withDefaults(),
		address: address,
		port:    port,
		conns:   make(map[*conn]struct{}),
	}
	sink.SetImpl(s)
	return s
}

// ListenAddress は待ち受けアドレスを返す
func (s *Server) ListenAddress() string {
	return s.address
}

// Port は待ち受けポートを返す（ポート 0 で開始した場合は割り当てられたポート）
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Active は受け付けループが動作中かを返す
func (s *Server) Active() bool {
	return s.active.Load()
}

// ConnCount は処理中の接続数を返す
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SetEnabled は有効化で待ち受けを開始し、無効化で Stop と同じ処理を行う
func (s *Server) SetEnabled(enabled bool) error {
	if enabled {
		return s.Start()
	}
	s.Stop()
	return nil
}

// Close はシンクの破棄時に呼ばれる
func (s *Server) Close() {
	s.Stop()
}

// Start は待ち受けを開始する（既に開始済みなら何もしない）
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s で待ち受けできません: %v", camera.StatusNetworkAcceptFailure, addr, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcp.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.acceptDone = make(chan struct{})
	s.stopDone = make(chan struct{})
	s.active.Store(true)

	go s.acceptLoop(ctx, ln, s.acceptDone)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"sink":     s.sink.Name(),
		"address":  ln.Addr().String(),
	}).Info("MJPEGサーバを開始しました")
	return nil
}

// Stop は待ち受けを止め、全ての接続を閉じてゴルーチンの終了を待つ
//
// 冪等で、任意のゴルーチン（接続ゴルーチンの後始末を含む）から呼べる。
// 並行に呼ばれた場合も、全ての呼び出しが接続の終了を待ってから戻る。
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	stopDone := s.stopDone
	if ln == nil {
		s.mu.Unlock()
		// 先に始まった Stop の完了を待つ
		if stopDone != nil {
			<-stopDone
		}
		return
	}
	s.active.Store(false)
	s.listener = nil
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	acceptDone := s.acceptDone
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	// ブロック中の Accept と Read はソケットを閉じないと戻らない
	_ = ln.Close()
	for _, c := range conns {
		_ = c.nc.Close()
	}

	<-acceptDone
	for _, c := range conns {
		<-c.done
	}
	close(stopDone)

	logrus.WithFields(logrus.Fields{
		"function":    "Stop",
		"sink":        s.sink.Name(),
		"connections": len(conns),
	}).Info("MJPEGサーバを停止しました")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		nc, err := ln.Accept()
		if err != nil {
			// Stop による終了でなければ、このサーバだけが停止する
			if s.active.CompareAndSwap(true, false) {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"sink":     s.sink.Name(),
					"error":    err.Error(),
				}).Error("接続の受け付けに失敗したため待ち受けを終了します")
				s.sink.SetError(fmt.Sprintf("%s: %v", camera.StatusNetworkAcceptFailure, err))
			}
			return
		}

		c := &conn{
			id:   uuid.NewString(),
			nc:   nc,
			done: make(chan struct{}),
		}

		s.mu.Lock()
		if s.listener != ln {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(ctx, c)
	}
}

func (s *Server) serveConn(ctx context.Context, c *conn) {
	log := logrus.WithFields(logrus.Fields{
		"sink":       s.sink.Name(),
		"connection": c.id,
		"remote":     c.nc.RemoteAddr().String(),
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("接続の処理中にパニックしました")
		}

		_ = c.nc.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		close(c.done)

		if s.opts.OnConnClosed != nil {
			s.opts.OnConnClosed(c.id)
		}
	}()

	log.Debug("接続を受け付けました")
	if err := s.handle(ctx, c, log); err != nil && !isClosedError(err) {
		log.WithField("error", err.Error()).Debug("接続を終了します")
	}
}

// handle は1接続分のリクエストを読み、応答を返す
func (s *Server) handle(ctx context.Context, c *conn, log *logrus.Entry) error {
	r := bufio.NewReader(c.nc)
	w := bufio.NewWriter(c.nc)

	_ = c.nc.SetReadDeadline(time.Now().Add(s.opts.RequestTimeout))
	req, err := readRequest(r, s.opts.MaxRequestLine, s.opts.MaxHeaderLines)
	if err != nil {
		if isMalformed(err) {
			s.setWriteDeadline(c)
			_ = sendError(w, http.StatusBadRequest, err.Error())
		}
		return err
	}
	_ = c.nc.SetReadDeadline(time.Time{})

	log = log.WithFields(logrus.Fields{
		"path":  req.path,
		"route": req.route.String(),
	})
	log.Debug("リクエストを受信しました")

	s.setWriteDeadline(c)
	if req.method != http.MethodGet {
		return sendError(w, http.StatusMethodNotAllowed, "GET のみ対応しています")
	}
	if req.route == routeNotFound {
		return sendError(w, http.StatusNotFound, "ページが見つかりません: "+req.path)
	}

	settings := streamSettings{quality: s.opts.Quality}
	if s.opts.FPS > 0 {
		settings.interval = time.Second / time.Duration(s.opts.FPS)
	}

	src := s.sink.Source()
	if err := processCommand(src, req, &settings); err != nil {
		he := statusToHTTP(err)
		log.WithField("error", he.Error()).Info("コマンドの処理に失敗しました")
		return sendError(w, he.code, he.message)
	}

	switch req.route {
	case routeCommand:
		return sendText(w, "Ok")
	case routeJSON:
		return sendJSON(w, s.sink.Name(), src)
	case routeSnapshot:
		return s.snapshot(ctx, w, src)
	}

	if settings.single {
		return s.snapshot(ctx, w, src)
	}
	if err := sendHeader(w, http.StatusOK, "multipart/x-mixed-replace;boundary="+boundary, ""); err != nil {
		return err
	}
	// ここから先はヘッダ送信済みのため、エラー時は接続を閉じるだけにする
	return s.stream(ctx, c, w, settings)
}

// snapshot は最新のフレームを1枚だけ返す
func (s *Server) snapshot(ctx context.Context, w *bufio.Writer, src *camera.Source) error {
	if src == nil {
		return sendError(w, http.StatusServiceUnavailable, "ソースが設定されていません")
	}

	frame := src.LatestFrame()
	if frame.Empty() {
		frame = src.WaitForFrame(ctx, 0, s.opts.FrameTimeout)
	}
	if frame.Empty() {
		return sendError(w, http.StatusServiceUnavailable, "フレームがありません")
	}

	data, err := frame.JPEG(s.opts.Quality)
	if err != nil {
		return sendError(w, http.StatusInternalServerError, err.Error())
	}
	return sendSnapshot(w, data, frame.Time())
}

// stream はソースのフレームをマルチパートで送り続ける
//
// ソースがない・切断中の場合は代替フレームを送り、FrameTimeout ごとに状態を確認する。
func (s *Server) stream(ctx context.Context, c *conn, w *bufio.Writer, settings streamSettings) error {
	var (
		lastSeq  uint64
		lastSent time.Time
		lastSrc  *camera.Source
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		src := s.sink.Source()
		if src != lastSrc {
			lastSrc = src
			lastSeq = 0
		}
		if src == nil || !src.IsConnected() {
			message := "no source"
			if src != nil {
				message = "source disconnected"
			}
			data, err := placeholderFrame(message)
			if err != nil {
				return err
			}
			s.setWriteDeadline(c)
			if err := writePart(w, data, uint64(time.Now().UnixMicro())); err != nil {
				return err
			}
			if !sleepCtx(ctx, s.opts.FrameTimeout) {
				return ctx.Err()
			}
			continue
		}

		if settings.interval > 0 && !lastSent.IsZero() {
			if wait := settings.interval - time.Since(lastSent); wait > 0 {
				if !sleepCtx(ctx, wait) {
					return ctx.Err()
				}
			}
		}

		frame := src.WaitForFrame(ctx, lastSeq, s.opts.FrameTimeout)
		if frame.Seq() <= lastSeq || frame.Empty() {
			continue
		}
		lastSeq = frame.Seq()

		data, err := frame.JPEG(settings.quality)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "stream",
				"connection": c.id,
				"error":      err.Error(),
			}).Debug("フレームの圧縮に失敗したため読み飛ばします")
			continue
		}

		s.setWriteDeadline(c)
		if err := writePart(w, data, frame.Time()); err != nil {
			return err
		}
		lastSent = time.Now()
	}
}

func (s *Server) setWriteDeadline(c *conn) {
	_ = c.nc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
}

// sleepCtx は d だけ待つ。コンテキストが終了した場合は false を返す
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}
