package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// renewBefore is how long before expiry a certificate is re-requested.
const renewBefore = 30 * 24 * time.Hour

var modernCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// CertManager terminates TLS for the gateway. It either serves a static
// certificate pair from disk or obtains certificates through ACME and
// renews them in the background.
type CertManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.TLSConfig
	autocertMgr     *autocert.Manager
	mu              sync.RWMutex
	certificates    map[string]*tls.Certificate
	running         atomic.Bool
	renewalInterval time.Duration
}

func NewCertManager(ctx context.Context, logger types.Logger, config types.ConfigManager) (types.TLSManager, error) {
	tlsConfig := config.GetConfig().Server.TLS
	if tlsConfig == nil {
		return nil, types.ErrConfigNotFound
	}

	managerCtx, cancel := context.WithCancel(ctx)
	cm := &CertManager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          tlsConfig,
		certificates:    make(map[string]*tls.Certificate),
		renewalInterval: 12 * time.Hour,
	}

	if tlsConfig.AutoCert {
		if err := cm.initAutocert(); err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to initialize autocert manager")
		}
	}

	return cm, nil
}

func (cm *CertManager) initAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.NewErrorf("no domains specified for TLS certificate")
	}
	for _, domain := range cm.config.Domains {
		if domain == "" {
			return types.NewErrorf("empty domain name")
		}
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}
	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{DirectoryURL: cm.config.ACMEDirectory}
	}

	return nil
}

func (cm *CertManager) Start() error {
	if !cm.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	if cm.config.AutoCert {
		cm.preloadCertificates()
		go cm.renewalLoop()
	}

	cm.logger.Info("TLS certificate manager started",
		zap.Strings("domains", cm.config.Domains),
		zap.Bool("auto_cert", cm.config.AutoCert))
	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	cm.cancel()
	cm.logger.Info("TLS certificate manager stopped")
	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.running.Load()
}

// Serve wraps addr in a TLS listener using either the autocert config or
// the static certificate pair.
func (cm *CertManager) Serve(addr string) (net.Listener, error) {
	if !cm.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	tlsConfig, err := cm.listenerConfig()
	if err != nil {
		return nil, err
	}

	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create TLS listener")
	}
	return ln, nil
}

func (cm *CertManager) listenerConfig() (*tls.Config, error) {
	if cm.config.AutoCert {
		tlsConfig := cm.GetTLSConfig()
		if tlsConfig == nil {
			return nil, types.NewErrorf("autocert manager is not initialized")
		}
		return tlsConfig, nil
	}

	if cm.config.CertFile == "" || cm.config.KeyFile == "" {
		return nil, types.NewErrorf("TLS enabled but cert_file or key_file not specified")
	}

	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return nil, types.WrapError(err, "failed to load certificate files")
	}
	if err := validateCertificate(cert); err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: modernCipherSuites,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (cm *CertManager) GetTLSConfig() *tls.Config {
	if cm.autocertMgr == nil {
		return nil
	}

	return &tls.Config{
		GetCertificate: cm.getCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CipherSuites:   modernCipherSuites,
	}
}

func (cm *CertManager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := cm.autocertMgr.GetCertificate(hello)
	if err != nil {
		cm.logger.Error("Failed to get certificate",
			zap.String("server_name", hello.ServerName),
			zap.Error(err))
		return nil, err
	}
	return cert, nil
}

func validateCertificate(cert tls.Certificate) error {
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.WrapError(err, "failed to parse certificate")
	}

	now := time.Now()
	if now.Before(x509Cert.NotBefore) {
		return types.NewErrorf("certificate not yet valid")
	}
	if now.After(x509Cert.NotAfter) {
		return types.NewErrorf("certificate expired")
	}
	return nil
}

// preloadCertificates requests a certificate for every configured domain so
// the first real handshake does not pay the ACME round trip.
func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, 60*time.Second)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	for _, domain := range cm.config.Domains {
		d := domain
		g.Go(func() error {
			cert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: d})
			if err != nil {
				cm.logger.Warn("Failed to preload certificate",
					zap.String("domain", d), zap.Error(err))
				return nil
			}

			cm.mu.Lock()
			cm.certificates[d] = cert
			cm.mu.Unlock()

			cm.logger.Info("Certificate preloaded", zap.String("domain", d))
			return nil
		})
	}
	_ = g.Wait()
}

func (cm *CertManager) renewalLoop() {
	ticker := time.NewTicker(cm.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.renewExpiring()
		case <-cm.ctx.Done():
			cm.logger.Debug("Certificate renewal loop stopped")
			return
		}
	}
}

func (cm *CertManager) renewExpiring() {
	cm.mu.RLock()
	domains := make([]string, 0, len(cm.certificates))
	for domain := range cm.certificates {
		domains = append(domains, domain)
	}
	cm.mu.RUnlock()

	for _, domain := range domains {
		x509Cert, err := cm.certificateInfo(domain)
		if err != nil {
			cm.logger.Error("Failed to read certificate info",
				zap.String("domain", domain), zap.Error(err))
			continue
		}
		if time.Now().Before(x509Cert.NotAfter.Add(-renewBefore)) {
			continue
		}

		cm.logger.Info("Certificate renewal required",
			zap.String("domain", domain),
			zap.Time("expires_at", x509Cert.NotAfter))

		newCert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		if err != nil {
			cm.logger.Error("Failed to renew certificate",
				zap.String("domain", domain), zap.Error(err))
			continue
		}

		cm.mu.Lock()
		cm.certificates[domain] = newCert
		cm.mu.Unlock()

		cm.logger.Info("Certificate renewed", zap.String("domain", domain))
	}
}

func (cm *CertManager) certificateInfo(domain string) (*x509.Certificate, error) {
	cm.mu.RLock()
	cert, exists := cm.certificates[domain]
	cm.mu.RUnlock()

	if !exists {
		return nil, types.NewErrorf("certificate not found for domain: %s", domain)
	}
	if len(cert.Certificate) == 0 {
		return nil, types.NewErrorf("no certificate data for domain: %s", domain)
	}
	return x509.ParseCertificate(cert.Certificate[0])
}

func (cm *CertManager) GetCertificateStatus() map[string]types.CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := make(map[string]types.CertificateStatus)
	for domain, cert := range cm.certificates {
		if len(cert.Certificate) == 0 {
			status[domain] = types.CertificateStatus{
				Domain: domain,
				Status: "error",
				Error:  "no certificate data",
			}
			continue
		}

		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			status[domain] = types.CertificateStatus{
				Domain: domain,
				Status: "error",
				Error:  err.Error(),
			}
			continue
		}

		daysUntilExpiry := int(time.Until(x509Cert.NotAfter).Hours() / 24)
		certStatus := "valid"
		switch {
		case daysUntilExpiry <= 0:
			certStatus = "expired"
		case daysUntilExpiry <= 30:
			certStatus = "expiring_soon"
		}

		status[domain] = types.CertificateStatus{
			Domain:          domain,
			Status:          certStatus,
			Issuer:          x509Cert.Issuer.String(),
			Subject:         x509Cert.Subject.String(),
			NotBefore:       x509Cert.NotBefore,
			NotAfter:        x509Cert.NotAfter,
			DaysUntilExpiry: daysUntilExpiry,
		}
	}

	return status
}
