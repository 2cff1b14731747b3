package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/chatrelay/internal/log"
)

// HTTPSConfig holds HTTPS/TLS configuration.
type HTTPSConfig struct {
	Domain    string // Domain for Let's Encrypt certificate
	CertDir   string // Directory to cache certificates
	HTTPAddr  string // Address for HTTP server (ACME challenges + redirect)
	HTTPSAddr string // Address for the TLS listener serving the relay
}

// ListenAndServeTLS serves the relay over HTTPS with certificates from Let's
// Encrypt, plus a plain HTTP listener answering ACME challenges and
// redirecting everything else. It returns when either listener fails.
func (s *Server) ListenAndServeTLS(cfg HTTPSConfig) error {
	if err := ValidateDomain(cfg.Domain); err != nil {
		return err
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":80"
	}
	if cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = ":443"
	}

	s.autocertMgr = NewAutocertManager(cfg.Domain, cfg.CertDir)
	s.httpsServer = &http.Server{
		Addr:              cfg.HTTPSAddr,
		Handler:           s.router,
		TLSConfig:         NewTLSConfig(s.autocertMgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpRedirect = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.autocertMgr.HTTPHandler(HTTPRedirectHandler(cfg.Domain)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("server: http redirect listening", "addr", cfg.HTTPAddr)
		errCh <- s.httpRedirect.ListenAndServe()
	}()
	go func() {
		log.Info("server: https listening", "addr", cfg.HTTPSAddr, "domain", cfg.Domain)
		errCh <- s.httpsServer.ListenAndServeTLS("", "")
	}()

	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return http.ErrServerClosed
	}
	return err
}

var errPublicDomain = errors.New("Let's Encrypt needs a public domain name; put a reverse proxy in front for local or IP-only HTTPS")

// ValidateDomain rejects names Let's Encrypt will not issue for: empty,
// localhost, IP literals and malformed labels.
func ValidateDomain(domain string) error {
	if domain == "" {
		return errors.New("domain required for HTTPS")
	}
	host := strings.TrimSuffix(strings.TrimPrefix(domain, "["), "]")
	if strings.EqualFold(host, "localhost") || net.ParseIP(host) != nil {
		return fmt.Errorf("%s: %w", domain, errPublicDomain)
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("invalid domain format: %s", domain)
		}
	}
	return nil
}

// NewAutocertManager issues certificates for domain only and caches them in certDir.
func NewAutocertManager(domain, certDir string) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(certDir),
	}
}

// NewTLSConfig serves certificates from manager. Websocket upgrades need
// HTTP/1.1, which clients fall back to since the server does not offer
// extended CONNECT over h2.
func NewTLSConfig(manager *autocert.Manager) *tls.Config {
	return &tls.Config{
		GetCertificate: manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
	}
}

// HTTPRedirectHandler sends every request to the HTTPS origin. Wrap it in
// autocert.Manager.HTTPHandler so ACME challenges are answered first.
func HTTPRedirectHandler(domain string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + domain + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}
