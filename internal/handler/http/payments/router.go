package payments_http

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"stkpay/internal/app/payments"
)

type RouterConfig struct {
	AllowedOrigins   []string
	CallbackNetworks []*net.IPNet
	RequestTimeout   time.Duration
}

func NewRouter(cfg RouterConfig, s payments.PaymentService, rec *payments.Reconciler, l *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", MerchantIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	RegisterRoutes(r, cfg, s, rec, l)
	return r
}

func RegisterRoutes(r chi.Router, cfg RouterConfig, s payments.PaymentService, rec *payments.Reconciler, l *zap.Logger) {
	handler := NewPaymentHandler(s, rec, l.With(zap.String("component", "PaymentHTTPHandler")))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("STK push service is healthy!"))
	})

	r.Route("/payments", func(r chi.Router) {
		r.With(middleware.Timeout(timeout)).Post("/", handler.CreatePaymentHandler)
		r.With(middleware.Timeout(timeout)).Get("/{attemptID}", handler.GetPaymentHandler)
		r.Get("/{attemptID}/watch", handler.WatchPaymentHandler)
	})

	r.Route("/callbacks", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Use(AllowNetworks(cfg.CallbackNetworks, l))
		r.Post("/mpesa", handler.MpesaCallbackHandler)
	})
}

// AllowNetworks rejects requests whose peer address is outside nets.
// An empty list allows everyone.
func AllowNetworks(nets []*net.IPNet, l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(nets) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip != nil {
				for _, n := range nets {
					if n.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			l.Warn("Callback from disallowed address", zap.String("remote_addr", r.RemoteAddr))
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}
