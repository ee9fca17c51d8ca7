// Command remoteipcd runs the Files remote-control IPC server as a
// standalone process: the same SessionRuntime a real file-manager host
// would embed, driven here by an in-memory shell so the server can be
// exercised end to end without a host attached.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kardianos/service"

	"github.com/files-app/remote-ipc/internal/adapter"
	"github.com/files-app/remote-ipc/internal/config"
	"github.com/files-app/remote-ipc/internal/coordinator"
	"github.com/files-app/remote-ipc/internal/rendezvous"
	"github.com/files-app/remote-ipc/internal/rpc"
	"github.com/files-app/remote-ipc/internal/runtime"
	"github.com/files-app/remote-ipc/internal/shell"
	"github.com/files-app/remote-ipc/internal/tokenstore"
	"github.com/files-app/remote-ipc/internal/transport/pipe"
	"github.com/files-app/remote-ipc/internal/transport/wsocket"
	"github.com/files-app/remote-ipc/internal/uiqueue"
)

const (
	serviceName        = "FilesRemoteIpc"
	serviceDisplayName = "Files Remote Control IPC Server"
	serviceDescription = "Embedded local IPC server that lets a paired client drive the file manager remotely"
)

// daemon implements kardianos/service.Interface for the platform
// service lifecycle (Windows service / launchd / systemd).
type daemon struct {
	dataDir string
	cancel  context.CancelFunc
}

func (d *daemon) Start(s service.Service) error {
	go d.run()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *daemon) run() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	defer cancel()

	if err := runServer(ctx, d.dataDir); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "directory for the token store and rendezvous descriptor (default: per-user config dir)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		doInstall   = flag.Bool("install", false, "install as a platform service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the platform service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger(*logLevel)

	dir := *dataDir
	if dir == "" {
		d, err := defaultDataDir()
		if err != nil {
			slog.Error("failed to resolve data directory", "error", err)
			os.Exit(1)
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run", "-data-dir", dir},
	}

	d := &daemon{dataDir: dir}
	svc, err := service.New(d, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting remote IPC server in foreground mode")
		if err := runServer(ctx, dir); err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println()
			fmt.Println("  Files Remote Control IPC Server is running.")
			fmt.Println("  Press Ctrl+C to stop.")
			fmt.Println()

			if err := runServer(ctx, dir); err != nil {
				fmt.Printf("\n  server error: %v\n", err)
				fmt.Println("\n  Press Enter to exit...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runServer wires every component named in the server's design and
// blocks until ctx is cancelled.
func runServer(ctx context.Context, dataDir string) error {
	cfgPath := filepath.Join(dataDir, "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	keySeed, err := loadOrCreateKeySeed(filepath.Join(dataDir, "keyseed"))
	if err != nil {
		return fmt.Errorf("loading key seed: %w", err)
	}

	tokens := tokenstore.New(filepath.Join(dataDir, "token.enc"), keySeed)
	if err := tokens.SetEnabled(true); err != nil {
		return fmt.Errorf("enabling remote control: %w", err)
	}

	rdv, err := rendezvous.New()
	if err != nil {
		return fmt.Errorf("opening rendezvous descriptor: %w", err)
	}

	token, err := tokens.GetOrCreateToken()
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}
	epoch, err := tokens.GetEpoch()
	if err != nil {
		return fmt.Errorf("loading epoch: %w", err)
	}
	if err := rdv.SetToken(token); err != nil {
		return fmt.Errorf("publishing token: %w", err)
	}

	methods := rpc.NewMethodRegistry()
	shells := shell.New()
	registerDemoShell(shells)

	queue := uiqueue.NewSerialQueue()
	defer queue.Stop()

	coord := coordinator.New(shells, queue, cfg)
	coord.SetFocusedWindow(1)

	wsTransport := wsocket.New(cfg, rdv, epoch)
	pipeTransport := pipe.New(cfg, rdv, epoch)

	rt := runtime.New(cfg, methods, coord, tokens, wsTransport, pipeTransport)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting session runtime: %w", err)
	}

	slog.Info("remote IPC server started",
		"rendezvous_path", rdv.GetCurrentPath(),
		"epoch", epoch,
	)

	<-ctx.Done()

	slog.Info("shutting down remote IPC server")
	rt.Stop()
	if err := rdv.Delete(); err != nil {
		slog.Warn("failed to remove rendezvous descriptor on shutdown", "error", err)
	}
	return nil
}

// registerDemoShell populates the registry with a single in-memory
// shell so the server is immediately useful without a real host
// attached — the counterpart of a file-manager window registering
// itself on open.
func registerDemoShell(reg *shell.Registry) {
	a := adapter.NewMemoryAdapter("/home/user", map[string][]adapter.FileEntry{
		"/home/user": {
			{Path: "/home/user/Documents", Name: "Documents", IsDir: true},
			{Path: "/home/user/Downloads", Name: "Downloads", IsDir: true},
			{Path: "/home/user/notes.txt", Name: "notes.txt", IsDir: false},
		},
		"/home/user/Documents": {
			{Path: "/home/user/Documents/report.docx", Name: "report.docx", IsDir: false},
		},
	})
	reg.Register(shell.Descriptor{
		ShellID:  "shell-1",
		WindowID: 1,
		TabID:    "tab-1",
		Adapter:  a,
		Active:   true,
	})
	reg.SetActive("shell-1")
}

func loadOrCreateKeySeed(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return seed, nil
}

func defaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "Files", "remote-ipc"), nil
}

// initLogger configures the global slog logger at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))
}
