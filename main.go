// bridge-server - per-session WebSocket bridge between a subprocess and N
// browser viewers, with durable session history and a cron scheduler.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/bridge-server/internal/auth"
	"github.com/workspace/bridge-server/internal/bridge"
	"github.com/workspace/bridge-server/internal/config"
	"github.com/workspace/bridge-server/internal/cron"
	"github.com/workspace/bridge-server/internal/launcher"
	"github.com/workspace/bridge-server/internal/logging"
	"github.com/workspace/bridge-server/internal/recovery"
	"github.com/workspace/bridge-server/internal/server"
	"github.com/workspace/bridge-server/internal/sessionstore"
	"github.com/workspace/bridge-server/internal/webhook"
)

const subprocessBinaryName = "agent-subprocess"

// cronSpawner adapts the launcher and bridge into cron.Spawner, letting a
// checker's trigger become a fully bridged session without the cron
// package importing either.
type cronSpawner struct {
	launcher *launcher.Launcher
	bridge   *bridge.Bridge
	cfg      *config.Config
}

func (c *cronSpawner) LaunchSession(model, permissionMode, sessionName, cwd string) (string, error) {
	if cwd == "" {
		cwd = c.cfg.DefaultCwd
	}
	rec, err := c.launcher.Launch(context.Background(), launcher.Spec{
		Model:          model,
		PermissionMode: permissionMode,
		Provider:       "primary",
		Cwd:            cwd,
		SocketURL:      c.cfg.SubprocessSocketBaseURL(),
		SelfSigned:     !c.cfg.TestMode,
	})
	if err != nil {
		return "", err
	}
	if sessionName != "" {
		c.launcher.RenameSession(rec.ID, sessionName)
		c.bridge.RenameSession(rec.ID, sessionName)
	}
	return rec.ID, nil
}

func (c *cronSpawner) SendUserMessage(sessionID, content string) error {
	c.bridge.HandleBrowserMessage(sessionID, []byte(fmt.Sprintf(
		`{"type":"user_message","content":%q}`, content,
	)))
	return nil
}

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store := sessionstore.NewFileStore(cfg.SessionsDir, cfg.StoreFlushInterval)

	wh := webhook.New(cfg.WebhookURL, cfg.NamingHookURL, cfg.WebhookTimeout)

	var b *bridge.Bridge

	l := launcher.New(
		store,
		cfg.KillGrace,
		subprocessBinaryName,
		cfg.BinaryOverride,
		nil, // no external-handler providers registered by default
		func(sessionID string, line []byte) { b.HandleSubprocessLine(sessionID, line) },
		func(sessionID string, exitCode int) { b.DetachSubprocess(sessionID) },
	)

	b = bridge.New(store, l, wh, wh)
	wh.OnNamed = func(sessionID, name string) {
		l.RenameSession(sessionID, name)
		b.RenameSession(sessionID, name)
	}

	cronStore := cron.NewStore(filepath.Join(cfg.SessionsDir, ".cron"))
	scheduler := cron.New(cronStore, &cronSpawner{launcher: l, bridge: b, cfg: cfg})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("failed to start cron scheduler: %v", err)
	}

	rec := recovery.New(store, l, b, cfg.RecoveryProbeInterval, cfg.CleanupInterval, time.Duration(cfg.SessionTTLDays)*24*time.Hour)
	rec.Run()

	var jwtValidator *auth.JWTValidator
	if !cfg.TestMode {
		jwtValidator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			log.Fatalf("failed to create JWT validator: %v", err)
		}
	}

	srv, err := server.New(cfg, jwtValidator, l, b, scheduler, wh)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("bridge-server started", "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))

	select {
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	scheduler.Stop()
	rec.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("error during server shutdown", "error", err)
	}

	l.KillAll()
	store.Stop()

	slog.Info("bridge-server stopped")
}
