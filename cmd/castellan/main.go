// ABOUTME: Entry point for the castellan privileged automation daemon
// ABOUTME: Wires config, whitelist, audit log, auth core, and the control socket server

package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/castellan-dev/castellan/internal/audit"
	"github.com/castellan-dev/castellan/internal/auth"
	"github.com/castellan-dev/castellan/internal/config"
	"github.com/castellan-dev/castellan/internal/ipc"
	"github.com/castellan-dev/castellan/internal/session"
	"github.com/castellan-dev/castellan/internal/whitelist"
)

// version is set at build time.
var version = "dev"

// getConfigPath returns the path to the daemon config file.
// Priority: CASTELLAN_CONFIG env var > /etc/castellan/castellan.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CASTELLAN_CONFIG"); envPath != "" {
		return envPath
	}
	return "/etc/castellan/castellan.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: castellan <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the daemon")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

// setupLogging configures the process-wide slog default from config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildAttestationRequirements converts the attestation config section into
// verifier requirements.
func buildAttestationRequirements(cfg config.AttestationConfig) (whitelist.Requirements, error) {
	level, err := whitelist.ParseSecurityLevel(cfg.MinSecurityLevel)
	if err != nil {
		return whitelist.Requirements{}, err
	}

	req := whitelist.Requirements{
		PackageName:      cfg.PackageName,
		SignatureDigest:  cfg.SignatureDigest,
		MinSecurityLevel: level,
	}

	if cfg.RootCerts != "" {
		pem, err := os.ReadFile(cfg.RootCerts)
		if err != nil {
			return whitelist.Requirements{}, fmt.Errorf("reading attestation roots: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return whitelist.Requirements{}, fmt.Errorf("no certificates found in %s", cfg.RootCerts)
		}
		req.Roots = pool
	}

	return req, nil
}

func runServe() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)
	logger := slog.Default().With("component", "daemon")

	attReq, err := buildAttestationRequirements(cfg.Attestation)
	if err != nil {
		return err
	}

	keys, err := whitelist.New(cfg.Whitelist.Dir)
	if err != nil {
		return err
	}

	auditLog, err := audit.NewSQLiteLog(cfg.Audit.DatabasePath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	sessions := session.NewManager(cfg.Auth.SessionTimeout)
	caller := auth.NewCallerVerifier(cfg.Auth.UIDMin, cfg.Auth.UIDMax, cfg.Auth.RateLimitWindow, cfg.Auth.RateLimitMaxAttempts)
	challenges := auth.NewChallengeIssuer(cfg.Auth.ChallengeTTL, keys)
	defer challenges.Close()

	mgr := auth.NewManager(auth.Params{
		Enabled:     cfg.Auth.Enabled,
		Attestation: attReq,
	}, keys, sessions, caller, challenges, auditLog)

	if !cfg.Auth.Enabled {
		logger.Warn("AUTHENTICATION IS DISABLED - all privileged calls will be allowed")
	}

	dispatcher := ipc.NewDispatcher(mgr, nil)
	server := ipc.NewServer(dispatcher, cfg.Socket.Path)
	if err := server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP reloads the whitelist without dropping the active session.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := mgr.ReloadWhitelist(); err != nil {
				logger.Error("whitelist reload failed", "error", err)
			} else {
				logger.Info("whitelist reloaded")
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("castellan started", "version", version, "socket", cfg.Socket.Path)
	return server.Serve(ctx)
}
