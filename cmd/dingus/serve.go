package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dingus-idp/dingus/chore"
	"github.com/dingus-idp/dingus/pkg/httpclient"
	"github.com/dingus-idp/dingus/queue"
	"github.com/dingus-idp/dingus/scope"
	"github.com/dingus-idp/dingus/server"
	"github.com/dingus-idp/dingus/ticket"
	"github.com/dingus-idp/dingus/web"
)

type serveOptions struct {
	config string

	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the authorization server",
		Example: "dingus serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")

	return cmd
}

type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string
}

func newServerRunner(name string, srv *http.Server) *serverRunner {
	return &serverRunner{name: name, srv: srv}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		logger.Info("listening", "component", s.name, "addr", s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		logger.Debug("starting graceful shutdown", "component", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "component", s.name, "err", err)
		}
	})
	return nil
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", options.config, err)
	}
	applyConfigOverrides(options, &c)

	level, err := parseLogLevel(c.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("config loaded", "issuer", c.Dingus.SelfBaseURL)

	engineConfig, err := openStorageConfig(c.DB.ConnectionString)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	store, err := engineConfig.Open(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}

	secret := []byte(c.EncryptionSecret)
	codecs, err := server.NewCodecs(secret)
	if err != nil {
		return fmt.Errorf("failed to derive envelope codecs: %w", err)
	}

	httpClient, err := httpclient.NewHTTPClient(nil, false)
	if err != nil {
		return fmt.Errorf("failed to build http client: %w", err)
	}

	var publisher queue.Publisher
	if c.Queues.AMQP.URL != "" {
		client, err := queue.Dial(ctx, queue.Config{URL: c.Queues.AMQP.URL, Exchange: c.Queues.TicketPublishName}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to queue: %w", err)
		}
		defer client.Close()
		publisher = client
	}

	scopes := scope.New(store, logger)

	chores := chore.New(store, logger, publisher, chore.Config{
		TokenCleanupInterval:      time.Duration(c.Chores.TokenCleanupMs) * time.Millisecond,
		ScopeCleanupInterval:      time.Duration(c.Chores.ScopeCleanupMs) * time.Millisecond,
		TicketPublicationInterval: time.Duration(c.Chores.PublishTicketsMs) * time.Millisecond,
	})
	chores.Start(ctx)

	ticketLifespan := time.Duration(c.Manager.TicketLifespanSeconds) * time.Second
	if ticketLifespan <= 0 {
		ticketLifespan = 24 * time.Hour
	}
	minter := ticket.NewMinter(codecs.Ticket, store, httpClient, ticketLifespan, c.Dingus.SelfBaseURL)

	templates, err := web.Templates()
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %w", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %w", err)
	}

	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: func(ctx context.Context) (any, error) {
				return nil, store.HealthCheck(ctx)
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	codeValidityTimeout := time.Duration(c.Manager.CodeValidityTimeoutMs) * time.Millisecond
	if codeValidityTimeout <= 0 {
		codeValidityTimeout = 10 * time.Minute
	}

	serv, err := server.NewServer(ctx, server.Config{
		Issuer:              c.Dingus.SelfBaseURL,
		Storage:             store,
		Codecs:              codecs,
		Scopes:              scopes,
		Chores:              chores,
		Minter:              minter,
		Queue:               publisher,
		HTTPClient:          httpClient,
		AllowedOrigins:      c.Route.AllowedOrigins,
		CodeValidityTimeout: codeValidityTimeout,
		AllowLegacyNonPKCE:  c.Manager.AllowLegacyNonPKCE,
		Logger:              logger,
		PrometheusRegistry:  prometheusRegistry,
		HealthChecker:       healthChecker,
		Templates:           templates,
		StaticFS:            http.FS(web.FS()),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	healthHandler := gosundheithttp.HandleHealthJSON(healthChecker)
	telemetryRouter.Handle("/healthz", healthHandler)
	telemetryRouter.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	telemetryRouter.Handle("/healthz/ready", healthHandler)

	allowedTLSCiphers := []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	}

	var gr run.Group
	if options.telemetryAddr != "" {
		c.Telemetry.HTTP = options.telemetryAddr
	}
	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("http/telemetry", telemetrySrv).RunAndShutdownGracefully(&gr, logger); err != nil {
			return err
		}
	}
	if c.Route.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Route.HTTP, Handler: serv}
		defer httpSrv.Close()
		if err := newServerRunner("http", httpSrv).RunAndShutdownGracefully(&gr, logger); err != nil {
			return err
		}
	}
	if c.Route.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Route.HTTPS,
			Handler: serv,
			TLSConfig: &tls.Config{
				CipherSuites:             allowedTLSCiphers,
				PreferServerCipherSuites: true,
				MinVersion:               tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()
		runner := newServerRunner("https", httpsSrv).WithTLS(c.Route.TLSCert, c.Route.TLSKey)
		if err := runner.RunAndShutdownGracefully(&gr, logger); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutting down", "signal", err)
	}
	return nil
}

func applyConfigOverrides(options serveOptions, config *Config) {
	if options.webHTTPAddr != "" {
		config.Route.HTTP = options.webHTTPAddr
	}
	if options.webHTTPSAddr != "" {
		config.Route.HTTPS = options.webHTTPSAddr
	}
	if options.telemetryAddr != "" {
		config.Telemetry.HTTP = options.telemetryAddr
	}
}
