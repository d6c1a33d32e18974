package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/service"
	"orderflow/backend/internal/store"
)

const (
	maxJSONBody      = 1 << 20
	maxEvidenceBody  = 64 << 20
	evidenceMemLimit = 8 << 20
)

type Options struct {
	AllowedOrigin string
	// EvidenceDir is served under /evidence/ when evidence is kept on local disk.
	EvidenceDir string
	Logger      *zap.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	evidenceDir   string
	loginLimiter  *attemptLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		evidenceDir:   strings.TrimSpace(opts.EvidenceDir),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		logger:        opts.Logger,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(a.withMiddleware)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.handleHealth)
	if a.evidenceDir != "" {
		r.Handle("/evidence/*", http.StripPrefix("/evidence/", http.FileServer(http.Dir(a.evidenceDir))))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/register", a.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth())

			r.Get("/auth/me", a.handleMe)

			r.Post("/orders", a.handleCreateOrder)
			r.Get("/orders", a.handleListMyOrders)
			r.Route("/orders/{orderID}", func(r chi.Router) {
				r.Get("/", a.handleGetOrder)
				r.Post("/cancel", a.handleCancelOrder)
				r.Get("/can-cancel", a.handleCanCancel)
				r.Get("/can-return", a.handleCanReturn)
				r.Post("/returns", a.handleCreateReturn)
				r.Get("/returns", a.handleListOrderReturns)
			})

			r.Get("/returns", a.handleListMyReturns)
			r.Post("/returns/{returnID}/evidence", a.handleUploadEvidence)

			r.Route("/notifications", a.notificationRoutes(false))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin, domain.RoleStaff))

			r.Get("/orders", a.handleListOrders)
			r.Put("/orders/{orderID}/status", a.handleUpdateOrderStatus)
			r.Get("/returns", a.handleListReturns)
			r.Put("/returns/{returnID}", a.handleUpdateReturn)
			r.Route("/notifications", a.notificationRoutes(true))
			r.Get("/inventory", a.handleInventory)
			r.Get("/inventory/logs", a.handleInventoryLogs)
			r.Post("/inventory/{productID}/adjust", a.handleAdjustStock)
			r.Get("/picklist", a.handlePicklist)
		})
	})

	return otelhttp.NewHandler(r, "orderflow.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many attempts"))
		return
	}

	var req domain.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           actor.ID,
		"name":         actor.Name,
		"role":         actor.Role,
		"is_wholesale": actor.IsWholesale,
	})
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.CreateOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Order placed successfully",
		"order":   order,
	})
}

func (a *API) handleListMyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.service.ListMyOrders(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCanCancel(w http.ResponseWriter, r *http.Request) {
	info, err := a.service.CanCancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleCanReturn(w http.ResponseWriter, r *http.Request) {
	info, err := a.service.CanReturn(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ret, err := a.service.CreateReturn(r.Context(), chi.URLParam(r, "orderID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":        "Return request submitted successfully",
		"return_request": ret,
		"window_days":    a.service.ReturnWindowDays(),
	})
}

func (a *API) handleListOrderReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := a.service.ListOrderReturns(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (a *API) handleListMyReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := a.service.ListMyReturns(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (a *API) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEvidenceBody)
	if err := r.ParseMultipartForm(evidenceMemLimit); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	headers := r.MultipartForm.File["files"]
	files := make([]domain.EvidenceFile, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, domain.EvidenceFile{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				f, err := fh.Open()
				if err != nil {
					return nil, err
				}
				return f, nil
			},
		})
	}

	resp, err := a.service.UploadReturnEvidence(r.Context(), chi.URLParam(r, "returnID"), files)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   fmt.Sprintf("Uploaded %d file(s) successfully", resp.Uploaded),
		"return_id": resp.ReturnID,
		"uploaded":  resp.Uploaded,
		"skipped":   resp.Skipped,
		"files":     resp.Files,
	})
}

func (a *API) notificationRoutes(staffFeed bool) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			resp, err := a.service.ListNotifications(r.Context(), staffFeed)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		r.Get("/unread-count", func(w http.ResponseWriter, r *http.Request) {
			n, err := a.service.UnreadNotificationCount(r.Context(), staffFeed)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"unread_count": n})
		})
		r.Put("/mark-all-read", func(w http.ResponseWriter, r *http.Request) {
			n, err := a.service.MarkAllNotificationsRead(r.Context(), staffFeed)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"updated": n})
		})
		r.Put("/{notificationID}/read", a.setNotificationRead(staffFeed, true))
		r.Put("/{notificationID}/unread", a.setNotificationRead(staffFeed, false))
		r.Delete("/{notificationID}", func(w http.ResponseWriter, r *http.Request) {
			if err := a.service.DeleteNotification(r.Context(), staffFeed, chi.URLParam(r, "notificationID")); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			n, err := a.service.ClearNotifications(r.Context(), staffFeed)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
		})
	}
}

func (a *API) setNotificationRead(staffFeed bool, read bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.service.SetNotificationRead(r.Context(), staffFeed, chi.URLParam(r, "notificationID"), read); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"read": read})
	}
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resp, err := a.service.ListOrders(r.Context(),
		query.Get("status"),
		parsePositiveLimit(query.Get("page"), 1, 0),
		parsePositiveLimit(query.Get("limit"), 20, 100),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.StatusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.UpdateOrderStatus(r.Context(), chi.URLParam(r, "orderID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order status updated to " + order.Status,
		"order":   order,
	})
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resp, err := a.service.ListReturns(r.Context(),
		query.Get("status"),
		parsePositiveLimit(query.Get("page"), 1, 0),
		parsePositiveLimit(query.Get("limit"), 20, 100),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpdateReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ret, err := a.service.UpdateReturn(r.Context(), chi.URLParam(r, "returnID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Return request updated",
		"return_request": ret,
	})
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	lowStockOnly, _ := strconv.ParseBool(r.URL.Query().Get("low_stock"))
	resp, err := a.service.InventoryOverview(r.Context(), lowStockOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleInventoryLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	logs, err := a.service.ListInventoryLogs(r.Context(), query.Get("product_id"), parsePositiveLimit(query.Get("limit"), 100, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.AdjustStock(r.Context(), chi.URLParam(r, "productID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handlePicklist(w http.ResponseWriter, r *http.Request) {
	list, err := a.service.Picklist(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(startedAt)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrItemNotInOrder),
		errors.Is(err, domain.ErrQuantityExceedsOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrReturnWindowExpired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      err.Error(),
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
		return
	}
	writeError(w, statusForError(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		zap.L().Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
