// Package server wires the listeners, workers, backplane and RPC dispatch
// into a runnable pub/sub edge server.
package server

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/olesku/eventhub-sub000/internal/cache"
	"github.com/olesku/eventhub-sub000/internal/config"
	"github.com/olesku/eventhub-sub000/internal/limits"
	"github.com/olesku/eventhub-sub000/internal/metrics"
	"github.com/olesku/eventhub-sub000/internal/topic"
)

// Channel for the backplane heartbeat. The '$' keeps it outside the valid
// topic namespace so clients can never subscribe to it.
const metricsHeartbeatTopic = "$metrics$/system_unixtime"

// Server owns every long-lived component: the worker pool, the backplane
// client and subscriber, both HTTP listeners and the cron scheduler.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	promRegistry *prometheus.Registry
	store        *cache.Store
	rdb          *redis.Client

	workers  []*Worker
	rrCursor atomic.Uint64

	acceptLimiter *limits.AcceptLimiter
	connSeq       atomic.Int64
	shuttingDown  int32

	httpSrv  *http.Server
	httpsSrv *http.Server

	tlsCert atomic.Pointer[tls.Certificate]
	certMu  sync.Mutex
	certSum [md5.Size]byte
	keySum  [md5.Size]byte

	cron   *cron.Cron
	sysmon *metrics.SystemMonitor

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a Server from configuration. The backplane client is created
// here; connections are established lazily on first use.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	m := metrics.New()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})

	store := cache.NewStore(rdb, cache.Options{
		Prefix:         cfg.RedisPrefix,
		Enabled:        cfg.EnableCache,
		MaxCacheLength: cfg.MaxCacheLength,
		DefaultTTL:     cfg.DefaultCacheTTL,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		promRegistry:  metrics.NewRegistry(m, cfg.PrometheusMetricPrefix, instanceLabel(hostname, cfg.ListenPort)),
		store:         store,
		rdb:           rdb,
		acceptLimiter: limits.NewAcceptLimiter(limits.AcceptLimiterConfig{}, logger),
		cron:          cron.New(),
		sysmon:        metrics.NewSystemMonitor(m, logger),
		rootCtx:       ctx,
		rootCancel:    cancel,
	}

	if cfg.EnableSSL {
		if err := s.loadCertificate(); err != nil {
			cancel()
			return nil, err
		}
	}

	workers := cfg.Workers()
	s.workers = make([]*Worker, workers)
	for i := range s.workers {
		s.workers[i] = newWorker(s, i)
	}
	m.WorkerCount.Store(int64(workers))

	return s, nil
}

// Run starts every component and blocks until Stop is called or a listener
// fails.
func (s *Server) Run() error {
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Run()
		}(w)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sysmon.Run(s.rootCtx, 10*time.Second)
	}()

	s.startCron()

	errCh := make(chan error, 2)

	if !s.cfg.DisableUnsecureListener {
		s.httpSrv = s.newHTTPServer(s.cfg.ListenPort, nil)
		go func() {
			s.logger.Info().Int("port", s.cfg.ListenPort).Msg("Listener started")
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("listener on :%d: %w", s.cfg.ListenPort, err)
			}
		}()
	}

	if s.cfg.EnableSSL {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			return err
		}
		s.httpsSrv = s.newHTTPServer(s.cfg.SSLListenPort, tlsCfg)
		go func() {
			s.logger.Info().Int("port", s.cfg.SSLListenPort).Msg("TLS listener started")
			if err := s.httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("tls listener on :%d: %w", s.cfg.SSLListenPort, err)
			}
		}()
	}

	select {
	case err := <-errCh:
		s.Stop()
		return err
	case <-s.rootCtx.Done():
		return nil
	}
}

func (s *Server) newHTTPServer(port int, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: time.Duration(s.cfg.HandshakeTimeout) * time.Second,
		// WebSocket and SSE hold the response open indefinitely; only the
		// header read is bounded.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
}

// Stop shuts the server down: refuse new upgrades, stop listeners, drain
// workers and close the backplane.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return
	}
	s.logger.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
	if s.httpsSrv != nil {
		s.httpsSrv.Shutdown(ctx)
	}

	s.cron.Stop()
	for _, w := range s.workers {
		w.Stop()
	}
	s.acceptLimiter.Stop()

	s.rootCancel()
	s.wg.Wait()
	s.rdb.Close()
	s.logger.Info().Msg("Shutdown complete")
}

// nextWorker assigns connections round-robin across the pool.
func (s *Server) nextWorker() *Worker {
	n := s.rrCursor.Add(1)
	return s.workers[int(n)%len(s.workers)]
}

// Publish fans a message out to every worker. Each worker enqueues a job on
// its own loop, so delivery order is preserved per worker.
func (s *Server) Publish(msg topic.Message) {
	for _, w := range s.workers {
		w.Publish(msg)
	}
}

// consumeLoop is the backplane subscriber: a pattern subscription over the
// key prefix, resubscribed with backoff after any receive error.
func (s *Server) consumeLoop() {
	pattern := s.store.Key("*")

	for {
		if s.rootCtx.Err() != nil {
			return
		}

		pubsub := s.rdb.PSubscribe(s.rootCtx, pattern)
		s.logger.Info().Str("pattern", pattern).Msg("Backplane subscription established")

		for {
			msg, err := pubsub.ReceiveMessage(s.rootCtx)
			if err != nil {
				if s.rootCtx.Err() != nil {
					pubsub.Close()
					return
				}
				s.metrics.RedisConnectionFailCount.Add(1)
				s.logger.Warn().Err(err).Msg("Backplane receive failed, resubscribing")
				pubsub.Close()
				select {
				case <-time.After(5 * time.Second):
				case <-s.rootCtx.Done():
					return
				}
				break
			}
			s.handleBackplaneMessage(msg.Channel, msg.Payload)
		}
	}
}

func (s *Server) handleBackplaneMessage(channel, payload string) {
	topicName := s.store.TopicFromChannel(channel)

	if topicName == metricsHeartbeatTopic {
		sent, err := strconv.ParseInt(payload, 10, 64)
		if err == nil {
			s.metrics.RedisPublishDelayMs.Store(time.Now().UnixMilli() - sent)
		}
		return
	}

	env, err := cache.DecodeEnvelope(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("Undecodable backplane payload")
		return
	}
	s.Publish(topic.Message{
		ID:      env.Meta.ID,
		Topic:   env.Topic,
		Payload: env.Message,
		Origin:  env.Origin,
	})
}

func (s *Server) startCron() {
	s.cron.AddFunc("@every 60s", func() {
		ctx, cancel := context.WithTimeout(s.rootCtx, 30*time.Second)
		defer cancel()
		s.store.PurgeExpired(ctx)
	})

	s.cron.AddFunc("@every 5s", func() {
		ctx, cancel := context.WithTimeout(s.rootCtx, 5*time.Second)
		defer cancel()
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := s.store.PublishRaw(ctx, metricsHeartbeatTopic, now); err != nil {
			s.metrics.RedisConnectionFailCount.Add(1)
			s.logger.Warn().Err(err).Msg("Backplane heartbeat failed")
		}
	})

	if s.cfg.EnableSSL && s.cfg.SSLCertAutoReload {
		spec := fmt.Sprintf("@every %ds", s.cfg.SSLCertCheckInterval)
		s.cron.AddFunc(spec, func() {
			if s.certFilesChanged() {
				s.ReloadCerts()
			}
		})
	}

	s.cron.Start()
}

// tlsConfig builds the TLS listener configuration. The certificate is
// resolved per-handshake through the atomic pointer, which is what makes
// hot reload race-free.
func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.tlsCert.Load(), nil
		},
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	}

	if s.cfg.SSLCACertificate != "" {
		pem, err := os.ReadFile(s.cfg.SSLCACertificate)
		if err != nil {
			return nil, fmt.Errorf("read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", s.cfg.SSLCACertificate)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// loadCertificate validates and installs the configured keypair, recording
// file digests for change detection.
func (s *Server) loadCertificate() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.SSLCertificate, s.cfg.SSLPrivateKey)
	if err != nil {
		return fmt.Errorf("load tls keypair: %w", err)
	}

	certSum, keySum, err := s.certFileSums()
	if err != nil {
		return err
	}

	s.certMu.Lock()
	s.certSum = certSum
	s.keySum = keySum
	s.certMu.Unlock()
	s.tlsCert.Store(&cert)
	return nil
}

func (s *Server) certFileSums() ([md5.Size]byte, [md5.Size]byte, error) {
	var certSum, keySum [md5.Size]byte
	certPEM, err := os.ReadFile(s.cfg.SSLCertificate)
	if err != nil {
		return certSum, keySum, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(s.cfg.SSLPrivateKey)
	if err != nil {
		return certSum, keySum, fmt.Errorf("read private key: %w", err)
	}
	return md5.Sum(certPEM), md5.Sum(keyPEM), nil
}

func (s *Server) certFilesChanged() bool {
	certSum, keySum, err := s.certFileSums()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Certificate change check failed")
		return false
	}
	s.certMu.Lock()
	defer s.certMu.Unlock()
	return certSum != s.certSum || keySum != s.keySum
}

// ReloadCerts re-reads the keypair from disk and swaps it in. An invalid
// keypair is rejected and the running certificate stays in place. Existing
// connections are unaffected either way.
func (s *Server) ReloadCerts() {
	if !s.cfg.EnableSSL {
		return
	}
	if err := s.loadCertificate(); err != nil {
		s.logger.Error().Err(err).Msg("Certificate reload failed, keeping current certificate")
		return
	}
	s.logger.Info().Str("certificate", s.cfg.SSLCertificate).Msg("Certificate reloaded")
}
