package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/orders"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/payment"
	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PaymentEventHandler applies inbound payment provider events.
type PaymentEventHandler interface {
	HandleEvent(ctx context.Context, e payment.Event) (*orders.StoredOrder, error)
}

// Server exposes ingestion, the payment webhook and the read-only admin
// surface over HTTP.
type Server struct {
	queue       queue.Repository
	store       *orders.Store
	payments    PaymentEventHandler
	maxAttempts int
	jwtSecret   []byte
	now         func() time.Time
}

func NewServer(q queue.Repository, store *orders.Store, payments PaymentEventHandler, cfg *config.Settings) *Server {
	return &Server{
		queue:       q,
		store:       store,
		payments:    payments,
		maxAttempts: cfg.MaxAttempts,
		jwtSecret:   []byte(cfg.HTTP.JWTSecret),
		now:         time.Now,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), PrometheusMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhooks/payment", s.paymentWebhook)

	protected := r.Group("/")
	if len(s.jwtSecret) > 0 {
		protected.Use(AuthMiddleware(s.jwtSecret))
	}
	{
		protected.POST("/orders", s.enqueueOrder)
		protected.GET("/orders/:orderNumber", s.getOrder)
		protected.GET("/restaurants/:id/orders", s.restaurantOrders)
		protected.GET("/queue/depth", s.queueDepth)
		protected.GET("/queue/items", s.listItems)
		protected.GET("/queue/items/:id", s.getItem)
		protected.POST("/queue/items/:id/replay", s.replayItem)
	}
	return r
}

type enqueueRequest struct {
	OrderData   json.RawMessage `json:"orderData" binding:"required"`
	UserContext json.RawMessage `json:"userContext"`
}

func (s *Server) enqueueOrder(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(req.OrderData, &probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_data", "msg": "orderData must be a JSON object"})
		return
	}

	correlationID := c.GetHeader("X-Request-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	item := queue.NewItem(req.OrderData, req.UserContext, correlationID, s.maxAttempts, s.now())
	if err := s.queue.Enqueue(c.Request.Context(), item); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":            item.ID,
		"status":        item.Status,
		"correlationId": correlationID,
	})
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.store.GetOrder(c.Request.Context(), c.Param("orderNumber"), orders.GetOptions{})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) restaurantOrders(c *gin.Context) {
	list, err := s.store.GetOrdersByRestaurant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*orders.StoredOrder{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (s *Server) queueDepth(c *gin.Context) {
	counts, err := s.queue.CountByStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	depth := make(map[queue.Status]int, len(queue.AllStatuses))
	for _, st := range queue.AllStatuses {
		depth[st] = counts[st]
	}
	c.JSON(http.StatusOK, depth)
}

func (s *Server) listItems(c *gin.Context) {
	status, ok := queue.ParseStatus(c.DefaultQuery("status", string(queue.StatusDeadLetter)))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "msg": "status must be one of pending, processing, completed, failed, dead_letter"})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = n
	}

	items, err := s.queue.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []queue.QueueItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) getItem(c *gin.Context) {
	item, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) replayItem(c *gin.Context) {
	id := c.Param("id")
	if err := s.queue.Replay(c.Request.Context(), id, s.now()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": queue.StatusPending})
}

func (s *Server) paymentWebhook(c *gin.Context) {
	var e payment.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	if e.PaymentLinkID == "" && e.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_reference", "msg": "paymentLinkId or transactionId is required"})
		return
	}

	o, err := s.payments.HandleEvent(c.Request.Context(), e)
	if errors.Is(err, payment.ErrUnhandledStatus) {
		// Acknowledge so the provider does not redeliver.
		c.JSON(http.StatusAccepted, gin.H{"ignored": true, "status": e.Status})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderNumber": o.OrderNumber, "paymentStatus": o.PaymentStatus})
}

func writeError(c *gin.Context, err error) {
	var ve *orders.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": ve.Fields})
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, queue.ErrItemNotFound),
		errors.Is(err, payment.ErrUnknownPaymentLink):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "msg": err.Error()})
	case errors.Is(err, queue.ErrNotReplayable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_replayable", "msg": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "msg": err.Error()})
	}
}
