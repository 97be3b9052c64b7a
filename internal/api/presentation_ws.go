package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/fanthemes/internal/applier"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/middleware"
)

// Websocket timings for the presentation stream.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// PresentationRunner streams a fan's presentations until ctx ends.
type PresentationRunner interface {
	Run(ctx context.Context, uid string, emit func(applier.Presentation)) error
}

// PresentationHandlers pushes the signed-in fan's active theme presentation
// over a websocket.
type PresentationHandlers struct {
	runner   PresentationRunner
	upgrader websocket.Upgrader
	metrics  *middleware.Metrics
	logger   *slog.Logger
}

// NewPresentationHandlers creates the stream handler. Cross-origin upgrades
// are accepted only from allowedOrigins. metrics may be nil.
func NewPresentationHandlers(runner PresentationRunner, allowedOrigins []string, metrics *middleware.Metrics, logger *slog.Logger) *PresentationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &PresentationHandlers{
		runner: runner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Stream handles GET /me/presentation/ws. Each presentation change is sent
// as one JSON text message. The stream ends when the client disconnects.
func (h *PresentationHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	uid, err := identity.RequireUID(identity.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "open presentation stream")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.StreamOpened()
		defer h.metrics.StreamClosed()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(fn func() error) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := fn(); err != nil {
			cancel()
		}
	}

	// The client sends nothing but control frames; reading is how a
	// disconnect is noticed.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.DebugContext(ctx, "presentation stream closed unexpectedly", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) })
			}
		}
	}()

	h.logger.InfoContext(ctx, "presentation stream opened", slog.String("uid", uid))
	err = h.runner.Run(ctx, uid, func(p applier.Presentation) {
		write(func() error { return conn.WriteJSON(p) })
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.ErrorContext(ctx, "presentation stream failed", slog.String("error", err.Error()))
	}

	write(func() error {
		return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	h.logger.InfoContext(r.Context(), "presentation stream closed", slog.String("uid", uid))
}
