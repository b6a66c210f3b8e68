package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"intershop/pkg/contracts"
	"intershop/store-service/internal/order"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOrders map[uuid.UUID]*order.Order

func (s stubOrders) Get(_ context.Context, userID, orderID uuid.UUID) (*order.Order, error) {
	o, ok := s[orderID]
	if !ok || o.UserID != userID {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)
	return hub
}

func serve(t *testing.T, h *Handler, userID, orderID uuid.UUID) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, userID, orderID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readUpdate(t *testing.T, conn *gw.Conn) OrderUpdate {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var upd OrderUpdate
	require.NoError(t, conn.ReadJSON(&upd))
	return upd
}

func TestServeWS_InitialStatusThenUpdates(t *testing.T) {
	hub := startHub(t)
	userID := uuid.New()
	o := &order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusPending}
	h := NewHandler(hub, stubOrders{o.ID: o}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := serve(t, h, userID, o.ID)

	conn, _, err := gw.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUpdate(t, conn)
	assert.Equal(t, o.ID.String(), first.OrderID)
	assert.Equal(t, "PENDING", first.Status)

	hub.Broadcast(OrderUpdate{OrderID: uuid.NewString(), Status: "PAID"})
	hub.Broadcast(OrderUpdate{OrderID: o.ID.String(), Status: "PAID"})

	second := readUpdate(t, conn)
	assert.Equal(t, o.ID.String(), second.OrderID)
	assert.Equal(t, "PAID", second.Status)
}

func TestServeWS_UnknownOrder(t *testing.T) {
	hub := startHub(t)
	h := NewHandler(hub, stubOrders{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := serve(t, h, uuid.New(), uuid.New())

	_, resp, err := gw.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcast_AfterHubStopReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		for range 100 {
			hub.Broadcast(OrderUpdate{OrderID: "x", Status: "PAID"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after hub stopped")
	}
}

type recordingAcker struct {
	acked, nacked int
}

func (a *recordingAcker) Ack(uint64, bool) error        { a.acked++; return nil }
func (a *recordingAcker) Nack(uint64, bool, bool) error { a.nacked++; return nil }
func (a *recordingAcker) Reject(uint64, bool) error     { a.nacked++; return nil }

func TestRelay(t *testing.T) {
	hub := NewHub()
	relay := Relay(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body, err := json.Marshal(contracts.OrderStatusChangedEvent{OrderID: "o-1", Status: "PAYMENT_FAILED", Reason: "insufficient_funds"})
	require.NoError(t, err)

	acker := &recordingAcker{}
	relay(context.Background(), amqp091.Delivery{Acknowledger: acker, Type: contracts.EventOrderStatusChanged, Body: body})
	assert.Equal(t, 1, acker.acked)

	select {
	case upd := <-hub.broadcast:
		assert.Equal(t, OrderUpdate{OrderID: "o-1", Status: "PAYMENT_FAILED", Reason: "insufficient_funds"}, upd)
	default:
		t.Fatal("update not queued")
	}

	relay(context.Background(), amqp091.Delivery{Acknowledger: acker, Body: []byte("{")})
	assert.Equal(t, 1, acker.nacked)
}
