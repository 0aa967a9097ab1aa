package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/stats"
)

// DefaultCertDir holds the persisted self-signed certificate.
const DefaultCertDir = "/etc/snfpath/tls"

// Config configures the API server.
type Config struct {
	Addr      string
	HTTPSAddr string      // HTTPS listen address (empty = no HTTPS)
	TLS       bool        // enable HTTPS with auto-generated certificate
	CertDir   string      // default DefaultCertDir
	Auth      *AuthConfig // nil = no authentication
	DP        dataplane.DataPlane
	EventBuf  *logging.EventBuffer
	Sweeper   *stats.Sweeper
	Syncer    *fib.Syncer
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	handler     http.Handler
	dp          dataplane.DataPlane
	eventBuf    *logging.EventBuffer
	sweeper     *stats.Sweeper
	syncer      *fib.Syncer
	startTime   time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		dp:        cfg.DP,
		eventBuf:  cfg.EventBuf,
		sweeper:   cfg.Sweeper,
		syncer:    cfg.Syncer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/statistics/hooks", s.hookStatsHandler)
	mux.HandleFunc("GET /api/v1/statistics/maps", s.mapStatsHandler)
	mux.HandleFunc("GET /api/v1/statistics/sweep", s.sweepHandler)

	// State and shadow tables
	mux.HandleFunc("GET /api/v1/state", s.statesHandler)
	mux.HandleFunc("GET /api/v1/state/report", s.reportHandler)
	mux.HandleFunc("GET /api/v1/state/{key}", s.stateHandler)
	mux.HandleFunc("GET /api/v1/shadow", s.shadowHandler)

	// Forwarding table
	mux.HandleFunc("GET /api/v1/fib", s.fibHandler)
	mux.HandleFunc("POST /api/v1/fib", s.fibSetHandler)
	mux.HandleFunc("DELETE /api/v1/fib/{iif}", s.fibDeleteHandler)
	mux.HandleFunc("GET /api/v1/fib/rules", s.fibRulesHandler)
	mux.HandleFunc("POST /api/v1/fib/sync", s.fibSyncHandler)

	// Hooks
	mux.HandleFunc("POST /api/v1/dispatch", s.dispatchHandler)

	// Events
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLS && cfg.HTTPSAddr != "" {
		dir := cfg.CertDir
		if dir == "" {
			dir = DefaultCertDir
		}
		tlsCert, err := loadOrGenerateCert(dir)
		if err != nil {
			slog.Warn("failed to generate self-signed certificate", "err", err)
		} else {
			s.httpsServer = &http.Server{
				Addr:              cfg.HTTPSAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				TLSConfig: &tls.Config{
					Certificates: []tls.Certificate{tlsCert},
					MinVersion:   tls.VersionTLS12,
				},
			}
		}
	}

	return s
}

// Handler returns the routed handler, authentication included.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP (and optionally HTTPS) server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.httpsServer != nil {
		go func() {
			slog.Info("HTTPS API server listening", "addr", s.httpsServer.Addr)
			if err := s.httpsServer.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpsServer != nil {
		s.httpsServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// loadOrGenerateCert loads cert.pem/key.pem from dir, or creates an ECDSA
// P-256 self-signed pair and persists it there for reuse across restarts.
func loadOrGenerateCert(dir string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "snfpath"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"snfpath"}},
		DNSNames:     []string{hostname, "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(5 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(dir, 0o700); err == nil {
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			slog.Warn("persist certificate", "err", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			slog.Warn("persist key", "err", err)
		}
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
