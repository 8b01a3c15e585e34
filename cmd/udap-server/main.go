package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/config"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/domain/ehr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/db"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/server"
)

const (
	storeMemory   = "memory"
	storeREST     = "rest"
	storePostgres = "postgres"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udap-server",
		Short: "UDAP endorser, EHR authorization server and demo client app",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables for the resource and session stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, logger, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			pg := fhirstore.NewPostgresStoreFromPool(pool)
			for _, s := range []*fhirstore.PostgresStore{pg, pg.WithTable(fhirstore.FacadeTable)} {
				if err := s.Migrate(ctx); err != nil {
					return fmt.Errorf("resource store migration failed: %w", err)
				}
			}
			if err := ehr.NewPGSessionStoreFromPool(pool, cfg.SessionTTL).Migrate(ctx); err != nil {
				return fmt.Errorf("session store migration failed: %w", err)
			}
			fmt.Println("Migrations applied successfully.")
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a self-signed signing identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cn, _ := cmd.Flags().GetString("cn")
			subject, _ := cmd.Flags().GetString("subject")
			days, _ := cmd.Flags().GetInt("days")
			certFile, _ := cmd.Flags().GetString("cert")
			keyFile, _ := cmd.Flags().GetString("key")
			p12File, _ := cmd.Flags().GetString("p12")
			password, _ := cmd.Flags().GetString("password")

			id, err := auth.GenerateIdentity(cn, subject, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			if p12File != "" {
				if err := id.WritePKCS12(p12File, password); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", p12File)
				return nil
			}
			if err := id.WritePEM(certFile, keyFile); err != nil {
				return err
			}
			fmt.Printf("Wrote %s and %s\n", certFile, keyFile)
			return nil
		},
	}
	cmd.Flags().String("cn", "udap-spike", "Certificate common name")
	cmd.Flags().String("subject", "", "Subject URI placed in the certificate's SAN")
	cmd.Flags().Int("days", 365, "Validity in days")
	cmd.Flags().String("cert", "fixtures/endorser.crt", "PEM certificate output")
	cmd.Flags().String("key", "fixtures/endorser.private.key", "PEM private key output")
	cmd.Flags().String("p12", "", "Write a PKCS#12 bundle instead of PEM files")
	cmd.Flags().String("password", "", "PKCS#12 password")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage
	res, err := openResources(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer res.close()

	// Identities
	opts := res.options
	opts.Logger = logger
	opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	if opts.Endorser, err = loadIdentity(cfg, logger, identitySource{
		name: "endorser", subject: cfg.EndorserISS,
		certFile: cfg.EndorserCertFile, keyFile: cfg.EndorserKeyFile,
		p12File: cfg.EndorserP12File, p12Password: cfg.EndorserP12Password,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to load endorser identity")
	}
	if cfg.AppEnabled {
		if opts.AppController, err = loadIdentity(cfg, logger, identitySource{
			name: "app controller", subject: cfg.AppURL,
			certFile: cfg.AppCertFile, keyFile: cfg.AppKeyFile,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to load app controller identity")
		}
		if opts.AppInstance, err = loadIdentity(cfg, logger, identitySource{
			name: "app instance", subject: cfg.AppURL, keyFile: cfg.AppInstanceKeyFile,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to load app instance key")
		}
	}

	e, err := server.New(cfg, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go ehr.RunSessionCleanup(ctx, opts.Sessions, time.Minute, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("sessions", cfg.SessionDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// resources are the stores chosen by STORE_DRIVER and SESSION_DRIVER.
type resources struct {
	options server.Options
	pool    *pgxpool.Pool
}

func (r *resources) close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

func openResources(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*resources, error) {
	res := &resources{}
	connect := func() (*pgxpool.Pool, error) {
		if res.pool != nil {
			return res.pool, nil
		}
		pool, err := db.NewPool(ctx, logger, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		res.pool = pool
		res.options.Checks = append(res.options.Checks, db.PoolCheck(pool))
		return pool, nil
	}

	switch cfg.StoreDriver {
	case storeMemory, "":
		mem := fhirstore.NewMemoryStore()
		res.options.EndorserStore, res.options.EHRStore = mem, mem
		res.options.FacadeStore = fhirstore.NewMemoryStore()
	case storeREST:
		client := &http.Client{Timeout: 15 * time.Second}
		endorserStore := fhirstore.NewRESTStore(cfg.EndorserFHIRBase, client)
		ehrStore := fhirstore.NewRESTStore(cfg.EHRFHIRBase, client)
		for name, s := range map[string]*fhirstore.RESTStore{"endorser-fhir": endorserStore, "ehr-fhir": ehrStore} {
			if err := db.WaitFor(ctx, logger, name, s.Ping, db.StartupBackOff()); err != nil {
				return nil, err
			}
			res.options.Checks = append(res.options.Checks, db.Check{Name: name, Ping: s.Ping})
		}
		res.options.EndorserStore, res.options.EHRStore = endorserStore, ehrStore
	case storePostgres:
		pool, err := connect()
		if err != nil {
			return nil, err
		}
		pg := fhirstore.NewPostgresStoreFromPool(pool)
		facade := pg.WithTable(fhirstore.FacadeTable)
		for _, s := range []*fhirstore.PostgresStore{pg, facade} {
			if err := s.Migrate(ctx); err != nil {
				res.close()
				return nil, fmt.Errorf("resource store migration: %w", err)
			}
		}
		res.options.EndorserStore, res.options.EHRStore = pg, pg
		res.options.FacadeStore = facade
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.SessionDriver {
	case storeMemory, "":
		res.options.Sessions = ehr.NewMemorySessionStore(cfg.SessionTTL)
	case storePostgres:
		pool, err := connect()
		if err != nil {
			return nil, err
		}
		sessions := ehr.NewPGSessionStoreFromPool(pool, cfg.SessionTTL)
		if err := sessions.Migrate(ctx); err != nil {
			res.close()
			return nil, fmt.Errorf("session store migration: %w", err)
		}
		res.options.Sessions = sessions
	default:
		res.close()
		return nil, fmt.Errorf("unknown SESSION_DRIVER %q", cfg.SessionDriver)
	}
	return res, nil
}

// identitySource names where a signing identity is read from. A source
// with only keyFile yields a key without a certificate.
type identitySource struct {
	name        string
	subject     string
	certFile    string
	keyFile     string
	p12File     string
	p12Password string
}

// loadIdentity reads the configured identity. In development a missing
// identity is replaced by a generated one.
func loadIdentity(cfg *config.Config, logger zerolog.Logger, src identitySource) (*auth.Identity, error) {
	var (
		id  *auth.Identity
		err error
	)
	switch {
	case src.p12File != "":
		return auth.LoadIdentityPKCS12(src.p12File, src.p12Password)
	case src.certFile != "" && src.keyFile != "":
		id, err = auth.LoadIdentityPEM(src.certFile, src.keyFile)
	case src.certFile == "" && src.keyFile != "":
		id, err = loadKey(src.keyFile)
	default:
		err = fmt.Errorf("no key configured: %w", fs.ErrNotExist)
	}
	if err == nil {
		return id, nil
	}
	if !cfg.IsDev() || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s identity: %w", src.name, err)
	}

	logger.Warn().Str("identity", src.name).Msg("key material not found, generating an ephemeral identity")
	return auth.GenerateIdentity(src.name, src.subject, 365*24*time.Hour)
}

func loadKey(file string) (*auth.Identity, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := auth.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return &auth.Identity{PrivateKey: key}, nil
}
