package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldserve/internal/api"
	"fieldserve/internal/auth"
	"fieldserve/internal/billing"
	"fieldserve/internal/config"
	"fieldserve/internal/dispatch"
	"fieldserve/internal/geo"
	"fieldserve/internal/integrations"
	"fieldserve/internal/metrics"
	"fieldserve/internal/notify"
	"fieldserve/internal/realtime"
	"fieldserve/internal/store"
	"fieldserve/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer func() { _ = st.Close() }()

	var broker realtime.EventBroker = realtime.NewBroker()
	if cfg.RedisURL != "" {
		rb, err := realtime.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer func() { _ = rb.Close() }()
		broker = rb
		log.Printf("[realtime] using redis broker")
	}

	deps := dispatch.Deps{
		Store:       st,
		Matcher:     geo.NewMatcher(st, cfg.Matching.RadiusKm),
		Geocoder:    integrations.NewNominatim(cfg.Geocoder.BaseURL, cfg.Geocoder.UserAgent, cfg.Geocoder.RPS),
		Invoices:    billing.NewPDFRenderer(cfg.Billing.CompanyName),
		Broker:      broker,
		Throttle:    realtime.NewThrottle(cfg.LocationThrottle),
		UPIVPA:      cfg.Billing.UPIVPA,
		CompanyName: cfg.Billing.CompanyName,
	}
	if cfg.Routing.APIKey != "" {
		deps.Router = integrations.NewGoogleDirections(cfg.Routing.APIKey, cfg.Routing.BaseURL)
	} else {
		log.Printf("[routing] no api key; tracking will report ETA not available")
	}

	uploads := ""
	if cfg.Storage.Bucket != "" {
		s3, err := integrations.NewS3Storage(ctx, cfg.Storage.Region, cfg.Storage.Bucket)
		if err != nil {
			log.Fatalf("s3: %v", err)
		}
		deps.Storage = s3
	} else {
		deps.Storage = &integrations.LocalStorage{Dir: cfg.Storage.LocalDir, BaseURL: cfg.Storage.BaseURL}
		uploads = cfg.Storage.LocalDir
	}

	if cfg.SMTP.Host != "" {
		deps.Mailer = &integrations.SMTPMailer{
			Host: cfg.SMTP.Host, Port: cfg.SMTP.Port, Username: cfg.SMTP.Username, Password: cfg.SMTP.Password, From: cfg.SMTP.From,
		}
	} else {
		deps.Mailer = integrations.LogMailer{}
	}

	sinks := []notify.Sink{notify.BrokerSink{Broker: broker}, notify.LogSink{}}
	if cfg.FCMCredentialsFile != "" {
		fcm, err := notify.NewFCMSink(ctx, cfg.FCMCredentialsFile, func(ctx context.Context, userID string) (string, error) {
			u, err := st.GetUser(ctx, userID)
			if err != nil {
				return "", err
			}
			return u.FCMToken, nil
		})
		if err != nil {
			log.Fatalf("fcm: %v", err)
		}
		sinks = append(sinks, fcm)
	}
	notifier := notify.NewDispatcher(cfg.Notify.QueueSize, cfg.Notify.Workers, sinks...)
	defer notifier.Close()
	deps.Notifier = notifier
	deps.Events = webhooks.NewPublisher(st)

	svc := dispatch.New(deps)
	verifier := auth.NewVerifier(auth.Options{
		Mode: cfg.Auth.Mode, HMACSecret: cfg.Auth.HMACSecret, JWKSURL: cfg.Auth.JWKSURL, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience,
	})
	srvDeps := api.NewServer(svc, verifier, cfg.Auth.Mode == "dev")
	srvDeps.Debug = map[string]any{
		"PORT":                 cfg.Port,
		"AUTH_MODE":            cfg.Auth.Mode,
		"MATCH_RADIUS_KM":      cfg.Matching.RadiusKm,
		"WEBHOOK_MAX_ATTEMPTS": cfg.Webhooks.MaxAttempts,
		"LOCATION_THROTTLE":    cfg.LocationThrottle.String(),
		"HAS_DATABASE_URL":     cfg.Database.URL != "",
		"HAS_SQLITE_PATH":      cfg.Database.SQLitePath != "",
		"HAS_REDIS_URL":        cfg.RedisURL != "",
		"HAS_ROUTING_KEY":      cfg.Routing.APIKey != "",
		"HAS_SMTP":             cfg.SMTP.Host != "",
		"HAS_S3_BUCKET":        cfg.Storage.Bucket != "",
		"HAS_FCM":              cfg.FCMCredentialsFile != "",
		"HAS_UPI_VPA":          cfg.Billing.UPIVPA != "",
	}

	mux := http.NewServeMux()
	srvDeps.Register(mux)
	metrics.RegisterDefault()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if uploads != "" {
		prefix := strings.TrimRight(cfg.Storage.BaseURL, "/") + "/"
		mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(uploads))))
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(metricsMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start webhook worker
	worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts)
	worker.Start()
	defer worker.Close()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	switch {
	case cfg.Database.URL != "":
		log.Printf("[store] postgres")
		return store.NewPostgres(cfg.Database.URL)
	case cfg.Database.SQLitePath != "":
		log.Printf("[store] sqlite at %s", cfg.Database.SQLitePath)
		return store.NewSQLite(cfg.Database.SQLitePath)
	default:
		log.Printf("[store] in-memory; data is lost on restart")
		return store.NewMemory(), nil
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		path := routeLabel(r.URL.Path)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses ids so the path label stays low-cardinality.
func routeLabel(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && (parts[1] == "works" || parts[1] == "bills" || parts[1] == "subscriptions"):
		parts[2] = "{id}"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "webhook-deliveries":
		parts[3] = "{id}"
	case len(parts) == 2 && parts[0] == "pay":
		parts[1] = "{id}"
	case len(parts) >= 1 && parts[0] == "uploads":
		return "/uploads"
	}
	return "/" + strings.Join(parts, "/")
}
