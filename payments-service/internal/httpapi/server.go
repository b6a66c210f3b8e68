package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"intershop/payments-service/internal/ledger"
	"intershop/pkg/auth"
	"intershop/pkg/contracts"
	"intershop/pkg/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Options struct {
	Currency       string
	InitialBalance decimal.Decimal
	Metrics        *metrics.ServerMetrics
	MetricsHandler http.Handler
	// Debits counts debit outcomes: applied, replayed, declined, rejected, error.
	Debits *metrics.OutcomeCounter
}

type Server struct {
	ledger   ledger.Ledger
	verifier *auth.Verifier
	opts     Options
	logger   *slog.Logger
	mux      *http.ServeMux
	handler  http.Handler
}

func NewServer(l ledger.Ledger, verifier *auth.Verifier, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		ledger:   l,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	s.handler = s.mux
	if opts.Metrics != nil {
		s.handler = opts.Metrics.Middleware(s.mux)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/payment/balance", s.authorize(auth.ScopeRead, s.balance))
	s.mux.HandleFunc("POST /api/payment/process", s.authorize(auth.ScopeWrite, s.process))
	s.mux.HandleFunc("GET /api/payment/transactions/{orderId}", s.authorize(auth.ScopeRead, s.transaction))
	s.mux.HandleFunc("POST /api/payment/accounts", s.authorize(auth.ScopeWrite, s.openAccount))
	s.mux.HandleFunc("POST /api/payment/deposit", s.authorize(auth.ScopeWrite, s.deposit))
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

// authorize resolves the caller from the bearer token. The token subject is
// the user whose account the request acts on.
func (s *Server) authorize(scope string, next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, contracts.CodeUnauthorized, err.Error())
			return
		}
		claims, err := s.verifier.Verify(raw)
		if err != nil {
			s.logger.Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, contracts.CodeUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, contracts.CodeUnauthorized, "token subject is not a user id")
			return
		}
		if !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden, contracts.CodeForbidden, "missing scope "+scope)
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, err, "get balance", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, contracts.BalanceResponse{
		Balance:   balance,
		Currency:  s.opts.Currency,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req contracts.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, contracts.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.OrderID == "" {
		req.OrderID = r.Header.Get(contracts.IdempotencyHeader)
	}

	receipt, err := s.ledger.Debit(r.Context(), ledger.DebitRequest{
		UserID:         userID,
		Amount:         req.Amount,
		IdempotencyKey: req.OrderID,
		Description:    req.Description,
	})
	if err != nil {
		s.opts.Debits.Inc(debitOutcome(err))
		s.writeLedgerError(w, err, "debit", "user_id", userID, "order_id", req.OrderID)
		return
	}

	message := "payment processed"
	if receipt.Replayed {
		s.opts.Debits.Inc("replayed")
		message = "payment already processed"
	} else {
		s.opts.Debits.Inc("applied")
		s.logger.Info("payment processed",
			"user_id", userID,
			"order_id", req.OrderID,
			"transaction_id", receipt.TransactionID,
			"amount", receipt.Amount.String(),
		)
	}

	writeJSON(w, http.StatusOK, contracts.PaymentResponse{
		Success:       true,
		TransactionID: receipt.TransactionID.String(),
		NewBalance:    receipt.NewBalance,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	})
}

func (s *Server) transaction(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID := r.PathValue("orderId")
	receipt, err := s.ledger.Lookup(r.Context(), userID, orderID)
	if err != nil {
		s.writeLedgerError(w, err, "lookup transaction", "user_id", userID, "order_id", orderID)
		return
	}
	writeJSON(w, http.StatusOK, contracts.TransactionResponse{
		TransactionID: receipt.TransactionID.String(),
		OrderID:       receipt.IdempotencyKey,
		Amount:        receipt.Amount,
		NewBalance:    receipt.NewBalance,
		Timestamp:     receipt.CreatedAt,
	})
}

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	balance, err := s.ledger.Open(r.Context(), userID, s.opts.InitialBalance)
	if err != nil {
		s.writeLedgerError(w, err, "open account", "user_id", userID)
		return
	}
	s.logger.Info("account opened", "user_id", userID, "amount", balance.String())
	writeJSON(w, http.StatusCreated, contracts.BalanceResponse{
		Balance:   balance,
		Currency:  s.opts.Currency,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req contracts.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, contracts.CodeInvalidRequest, "invalid JSON body")
		return
	}
	balance, err := s.ledger.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		s.writeLedgerError(w, err, "deposit", "user_id", userID)
		return
	}
	writeJSON(w, http.StatusOK, contracts.BalanceResponse{
		Balance:   balance,
		Currency:  s.opts.Currency,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error, op string, attrs ...any) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, contracts.CodeInsufficientFunds, "insufficient funds")
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, contracts.CodeInvalidAmount, err.Error())
	case errors.Is(err, ledger.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, contracts.CodeInvalidRequest, "orderId is required")
	case errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, contracts.CodeAccountNotFound, "account not found")
	case errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, contracts.CodeTransactionNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrAccountExists):
		writeError(w, http.StatusConflict, contracts.CodeAccountExists, "account already exists")
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, contracts.CodeIdempotencyConflict, err.Error())
	default:
		s.logger.Error(op, append(attrs, "err", err)...)
		writeError(w, http.StatusInternalServerError, contracts.CodeInternal, "internal error")
	}
}

func debitOutcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "declined"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, ledger.ErrIdempotencyConflict):
		return "rejected"
	default:
		return "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, contracts.ErrorResponse{
		Success:   false,
		Code:      code,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}
