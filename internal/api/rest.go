package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/bookd/internal/broker"
	"github.com/devghori1264/aerophoenix/bookd/internal/fsm"
	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	"github.com/devghori1264/aerophoenix/bookd/internal/storage"
)

const writeWait = 10 * time.Second

// Service is the booking core the handlers drive. *server.Server
// implements it.
type Service interface {
	RegisterResource(ctx context.Context, typ, identifier string) (models.Resource, error)
	GetResource(ctx context.Context, identifier string) (models.Resource, error)
	ListResources(ctx context.Context) []models.Resource
	CreateBooking(ctx context.Context, req models.BookingRequest) (models.Booking, error)
	GetBooking(ctx context.Context, id int64) (models.Booking, error)
	ListBookings(ctx context.Context) []models.Booking
	CancelBooking(ctx context.Context, id int64) (models.Booking, error)
	FinishBooking(ctx context.Context, id int64) (models.Booking, error)
	AwaitBooking(ctx context.Context, id int64) (models.Booking, error)
	Snapshot(ctx context.Context) storage.Snapshot
	SnapshotHistory(ctx context.Context, limit int) ([]storage.Snapshot, error)
}

// defaultHistoryLimit caps /debug/state/history when no limit is given.
const defaultHistoryLimit = 10

type Handler struct {
	srv      Service
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHTTPHandler builds the gin engine serving the booking API.
func NewHTTPHandler(srv Service, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		srv: srv,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", h.handlePing)
	r.GET("/debug/state", h.handleState)
	r.GET("/debug/state/history", h.handleHistory)

	res := r.Group("/resource")
	{
		res.POST("", h.handleRegisterResource)
		res.GET("/all", h.handleListResources)
		res.GET("/:identifier", h.handleGetResource)
	}

	bk := r.Group("/booking")
	{
		bk.POST("", h.handleCreateBooking)
		bk.GET("/all", h.handleListBookings)
		bk.GET("/:id", h.handleGetBooking)
		bk.POST("/:id/cancel", h.handleCancel)
		bk.POST("/:id/finish", h.handleFinish)
		bk.GET("/:id/wait", h.handleWait)
	}
	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *Handler) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.srv.Snapshot(c.Request.Context()))
}

func (h *Handler) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := h.srv.SnapshotHistory(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []storage.Snapshot{}
	}
	c.JSON(http.StatusOK, list)
}

// POST /resource
func (h *Handler) handleRegisterResource(c *gin.Context) {
	var in struct {
		Type       string `json:"type" binding:"required"`
		Identifier string `json:"identifier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.srv.RegisterResource(c.Request.Context(), in.Type, in.Identifier)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) handleListResources(c *gin.Context) {
	c.JSON(http.StatusOK, h.srv.ListResources(c.Request.Context()))
}

func (h *Handler) handleGetResource(c *gin.Context) {
	res, err := h.srv.GetResource(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /booking
func (h *Handler) handleCreateBooking(c *gin.Context) {
	var req models.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := h.srv.CreateBooking(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) handleListBookings(c *gin.Context) {
	c.JSON(http.StatusOK, h.srv.ListBookings(c.Request.Context()))
}

func (h *Handler) handleGetBooking(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.srv.GetBooking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /booking/:id/cancel
func (h *Handler) handleCancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.srv.CancelBooking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Booking cancelled", "booking": b})
}

// POST /booking/:id/finish
func (h *Handler) handleFinish(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.srv.FinishBooking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Booking finished", "booking": b})
}

// GET /booking/:id/wait upgrades to a WebSocket and writes exactly one
// models.WaitResult once the booking leaves WAITING.
func (h *Handler) handleWait(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// A hijacked connection does not cancel the request context, so a
	// reader notices the client going away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	res, err := h.awaitResult(ctx, id)
	if err != nil {
		h.log.Debug("wait abandoned", zap.Int64("booking_id", id), zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(res); err != nil {
		h.log.Warn("wait reply not delivered", zap.Int64("booking_id", id), zap.Error(err))
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Handler) awaitResult(ctx context.Context, id int64) (models.WaitResult, error) {
	b, err := h.srv.GetBooking(ctx, id)
	if errors.Is(err, broker.ErrNotFound) {
		return models.WaitResult{Message: models.WaitNoSuchBooking}, nil
	}
	if err != nil {
		return models.WaitResult{}, err
	}
	if b.Status.Terminal() {
		msg := models.WaitAlreadyCancelled
		if b.Status == models.StatusFinished {
			msg = models.WaitAlreadyFinished
		}
		return models.WaitResult{Message: msg, Booking: &b}, nil
	}

	b, err = h.srv.AwaitBooking(ctx, id)
	if err != nil {
		return models.WaitResult{}, err
	}
	switch b.Status {
	case models.StatusCancelled:
		return models.WaitResult{Message: models.WaitCancelled, Booking: &b}, nil
	case models.StatusFinished:
		return models.WaitResult{Message: models.WaitAlreadyFinished, Booking: &b}, nil
	default:
		return models.WaitResult{Message: models.WaitResourceIsYours, Booking: &b}, nil
	}
}

func bookingID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id"})
		return 0, false
	}
	return id, true
}

// writeError maps core errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var te *fsm.TransitionError
	switch {
	case errors.As(err, &te):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": te.Hint()})
	case errors.Is(err, broker.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
