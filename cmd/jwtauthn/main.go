// Package main is the jwtauthn check server entry point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/yaml"

	"github.com/zirain/jwtauthn/authserver/keyset"
	"github.com/zirain/jwtauthn/config"
	"github.com/zirain/jwtauthn/evaluator"
	"github.com/zirain/jwtauthn/networking"
	"github.com/zirain/jwtauthn/policy/resolver"
	"github.com/zirain/jwtauthn/policy/store"
	"github.com/zirain/jwtauthn/server"
	"github.com/zirain/jwtauthn/validator"
)

var version = "dev"

var (
	configPath   string
	policiesPath string
)

var rootCmd = &cobra.Command{
	Use:   "jwtauthn",
	Short: "Request JWT authentication check server",
	Long: `jwtauthn evaluates request authentication policies against live requests:
it resolves which policies apply to a workload, locates and validates bearer
tokens, and exposes the derived identity and claims for downstream
authorization and routing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the engine config file")
	rootCmd.Flags().StringVarP(&policiesPath, "policies", "p", "", "Path to an initial policy snapshot (YAML or JSON)")
	rootCmd.AddCommand(versionCmd)
}

func run() error {
	cfg := config.NewConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	st := store.New()
	if policiesPath != "" {
		if err := loadInitialSnapshot(st, policiesPath); err != nil {
			return fmt.Errorf("loading policy snapshot: %w", err)
		}
	}

	cache := keyset.NewCache(keyset.Options{
		TTL:                cfg.JWKS.TTL.Std(),
		Grace:              cfg.JWKS.Grace.Std(),
		FetchTimeout:       cfg.JWKS.FetchTimeout.Std(),
		MinRefreshInterval: cfg.JWKS.MinRefreshInterval.Std(),
		Retention:          cfg.JWKS.Retention.Std(),
	}, networking.New(cfg.JWKS.FetchTimeout.Std()))

	res, err := resolver.New(st, cfg.RootNamespace)
	if err != nil {
		return err
	}

	eval, err := evaluator.New(res, validator.New(cache, cfg.ClockSkew.Std()))
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.ListenAddr, eval, st, cache)
	if err != nil {
		return err
	}

	shutdown := make(chan error, 1)
	go srv.Run(shutdown)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-shutdown:
		return err
	case s := <-sig:
		zap.L().Info("Shutting down", zap.String("signal", s.String()))
		return srv.Close()
	}
}

func buildLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !lc.JSON {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(lc.Level))
	return zc.Build()
}

func loadInitialSnapshot(st *store.Store, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc server.SnapshotDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return err
	}
	return st.Swap(store.NewSnapshot(doc.Version, doc.Policies))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
