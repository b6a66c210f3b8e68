package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"intershop/pkg/metrics"
	"intershop/store-service/internal/cart"
	"intershop/store-service/internal/catalog"
	"intershop/store-service/internal/checkout"
	"intershop/store-service/internal/order"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Checkout interface {
	Checkout(ctx context.Context, userID uuid.UUID) (*order.Order, error)
	CanCheckout(ctx context.Context, userID uuid.UUID) (checkout.Preview, error)
}

type Orders interface {
	Get(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error)
	List(ctx context.Context, userID uuid.UUID) ([]*order.Order, error)
	Transition(ctx context.Context, orderID uuid.UUID, to order.Status, st order.Settlement) error
}

type Cart interface {
	Items(ctx context.Context, userID uuid.UUID) ([]cart.Line, error)
	Add(ctx context.Context, userID uuid.UUID, itemID int64, qty int) (int, error)
	Remove(ctx context.Context, userID uuid.UUID, itemID int64) error
}

type Catalog interface {
	List(ctx context.Context) ([]catalog.Item, error)
	Prices(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error)
}

type OrderStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID, orderID uuid.UUID)
}

type Deps struct {
	Checkout Checkout
	Orders   Orders
	Cart     Cart
	Catalog  Catalog
	Stream   OrderStream

	Metrics        *metrics.ServerMetrics
	MetricsHandler http.Handler
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))
	}

	r.GET("/api/items", s.listItems)

	api := r.Group("/api", s.requireUser)
	api.GET("/cart", s.getCart)
	api.POST("/cart/items", s.addToCart)
	api.DELETE("/cart/items/:itemId", s.removeFromCart)

	api.POST("/checkout", s.checkout)
	api.GET("/checkout/preview", s.preview)

	api.GET("/orders", s.listOrders)
	api.GET("/orders/:id", s.getOrder)
	api.GET("/orders/:id/ws", s.streamOrder)
	api.POST("/orders/:id/cancel", s.cancelOrder)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) observe(c *gin.Context) {
	started := time.Now()
	c.Next()
	s.deps.Metrics.Observe(c.FullPath(), c.Writer.Status(), started)
}

const userKey = "userID"

// requireUser resolves the caller from X-User-ID, set by the edge proxy.
func (s *Server) requireUser(c *gin.Context) {
	value := c.GetHeader("X-User-ID")
	if value == "" {
		abortError(c, http.StatusUnauthorized, "unauthorized", "missing X-User-ID header")
		return
	}
	userID, err := uuid.Parse(value)
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "invalid X-User-ID header")
		return
	}
	c.Set(userKey, userID)
	c.Next()
}

func userID(c *gin.Context) uuid.UUID {
	return c.MustGet(userKey).(uuid.UUID)
}

func (s *Server) listItems(c *gin.Context) {
	items, err := s.deps.Catalog.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "list items", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getCart(c *gin.Context) {
	lines, err := s.deps.Cart.Items(c.Request.Context(), userID(c))
	if err != nil {
		s.logger.Warn("read cart", "err", err)
		abortError(c, http.StatusServiceUnavailable, "service_unavailable", "cart temporarily unavailable")
		return
	}
	if lines == nil {
		lines = []cart.Line{}
	}
	c.JSON(http.StatusOK, gin.H{"items": lines})
}

func (s *Server) addToCart(c *gin.Context) {
	var req struct {
		ItemID   int64 `json:"item_id" binding:"required,min=1"`
		Quantity int   `json:"quantity" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "item_id and a positive quantity are required")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Catalog.Prices(ctx, []int64{req.ItemID}); err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			abortError(c, http.StatusNotFound, "item_not_found", "item not found")
			return
		}
		s.internalError(c, "check item", err)
		return
	}

	qty, err := s.deps.Cart.Add(ctx, userID(c), req.ItemID, req.Quantity)
	if err != nil {
		if errors.Is(err, cart.ErrInvalidQuantity) {
			abortError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Warn("add to cart", "err", err)
		abortError(c, http.StatusServiceUnavailable, "service_unavailable", "cart temporarily unavailable")
		return
	}
	c.JSON(http.StatusOK, cart.Line{ItemID: req.ItemID, Quantity: qty})
}

func (s *Server) removeFromCart(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("itemId"), 10, 64)
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "invalid item id")
		return
	}
	if err := s.deps.Cart.Remove(c.Request.Context(), userID(c), itemID); err != nil {
		s.logger.Warn("remove from cart", "err", err)
		abortError(c, http.StatusServiceUnavailable, "service_unavailable", "cart temporarily unavailable")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) checkout(c *gin.Context) {
	o, err := s.deps.Checkout.Checkout(c.Request.Context(), userID(c))
	if err == nil {
		c.JSON(http.StatusCreated, o)
		return
	}

	var failure *checkout.Failure
	switch {
	case errors.As(err, &failure):
		if failure.Retryable() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":     "payment service unavailable, try again",
				"code":      failure.Reason,
				"retryable": true,
				"order":     failure.Order,
			})
			return
		}
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": "payment declined",
			"code":  failure.Reason,
			"order": failure.Order,
		})
	case errors.Is(err, checkout.ErrEmptyCart):
		abortError(c, http.StatusBadRequest, "empty_cart", "cart is empty")
	case errors.Is(err, checkout.ErrInvalidCart):
		abortError(c, http.StatusBadRequest, "invalid_cart", "cart has unknown items or nothing to pay")
	case errors.Is(err, checkout.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "checkout temporarily unavailable, try again",
			"code":      order.ReasonServiceUnavailable,
			"retryable": true,
		})
	default:
		s.internalError(c, "checkout", err)
	}
}

func (s *Server) preview(c *gin.Context) {
	p, err := s.deps.Checkout.CanCheckout(c.Request.Context(), userID(c))
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrServiceUnavailable):
			abortError(c, http.StatusServiceUnavailable, "service_unavailable", "balance temporarily unavailable")
		case errors.Is(err, checkout.ErrInvalidCart):
			abortError(c, http.StatusBadRequest, "invalid_cart", "cart has unknown items or nothing to pay")
		default:
			s.internalError(c, "checkout preview", err)
		}
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listOrders(c *gin.Context) {
	orders, err := s.deps.Orders.List(c.Request.Context(), userID(c))
	if err != nil {
		s.internalError(c, "list orders", err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}
	o, err := s.deps.Orders.Get(c.Request.Context(), userID(c), orderID)
	if err != nil {
		s.orderError(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) streamOrder(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}
	s.deps.Stream.ServeWS(c.Writer, c.Request, userID(c), orderID)
}

// cancelOrder closes a PAYMENT_FAILED order. A PENDING order may still have a
// debit in flight and is left to its checkout or the reconciler.
func (s *Server) cancelOrder(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	current, err := s.deps.Orders.Get(ctx, uid, orderID)
	if err != nil {
		s.orderError(c, "get order", err)
		return
	}
	if current.Status == order.StatusPending {
		abortError(c, http.StatusConflict, "payment_in_progress", "order payment is still being settled")
		return
	}
	err = s.deps.Orders.Transition(ctx, orderID, order.StatusCancelled, order.Settlement{Reason: order.ReasonCancelled})
	if err != nil {
		s.orderError(c, "cancel order", err)
		return
	}

	o, err := s.deps.Orders.Get(ctx, uid, orderID)
	if err != nil {
		s.orderError(c, "get order", err)
		return
	}
	s.logger.Info("order cancelled", "order_id", orderID, "user_id", uid)
	c.JSON(http.StatusOK, o)
}

func orderParam(c *gin.Context) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request", "invalid order id")
		return uuid.UUID{}, false
	}
	return orderID, true
}

func (s *Server) orderError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		abortError(c, http.StatusNotFound, "order_not_found", "order not found")
	case errors.Is(err, order.ErrInvalidTransition):
		abortError(c, http.StatusConflict, "invalid_transition", "order cannot be changed in its current status")
	default:
		s.internalError(c, op, err)
	}
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error(op, "err", err)
	abortError(c, http.StatusInternalServerError, "internal", "internal error")
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
