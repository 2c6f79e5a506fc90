package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"gbridge/internal/config"
	"gbridge/internal/control"
	"gbridge/internal/greybus"
	"gbridge/internal/hosttransport"
	"gbridge/internal/logging"
	"gbridge/internal/manifest"
	"gbridge/internal/routing"
	"gbridge/internal/svc"
	"gbridge/internal/transport/bluetooth"
	"gbridge/internal/transport/serial"
	"gbridge/internal/transport/simulator"
	"gbridge/internal/transport/tcpip"
)

// version is set at release time via -ldflags; "dev" covers local builds.
var version = "dev"

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool
	var cfgPath string

	cmd := &cobra.Command{
		Use:     "gbridged",
		Short:   "Greybus bridge daemon",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			_, err := logging.Configure(logging.Options{Level: level, AddSource: debug})
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfgPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to gbridged.yaml (defaults to the XDG config location)")
	cmd.AddCommand(statusCmd(&cfgPath))
	return cmd
}

var (
	statusLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusOff   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// statusCmd prints which transports the active config would bring up,
// without dialing anything, for a quick sanity check before starting
// the daemon for real.
func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which transports the current config enables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rows := []struct {
				name    string
				enabled bool
			}{
				{"serial", cfg.Transports.Serial.Enabled},
				{"tcpip", cfg.Transports.TCPIP.Enabled},
				{"bluetooth", cfg.Transports.Bluetooth.Enabled},
				{"simulator", cfg.Transports.Simulator.Enabled},
			}
			for _, r := range rows {
				state := statusOff.Render("disabled")
				if r.enabled {
					state = statusOK.Render("enabled")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", statusLabel.Render(r.name), state)
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.For("gbridged")
	core := greybus.NewCore(logging.For("greybus"), uint16(cfg.MTU))
	fabric := routing.NewFabric(logging.For("routing"), nil)

	enabler := control.NewCPortEnabler(logging.For("control"), core)
	manifestStore := manifest.NewStore(logging.For("manifest"), enabler)

	host, err := hosttransport.Dial(logging.For("hosttransport"), core, fabric)
	if err != nil {
		return fmt.Errorf("dial host transport: %w", err)
	}
	defer host.Close()
	fabric.SetHost(host)

	svcDriver := svc.New(logging.For("svc"), core, host, fabric)
	fabric.SetNotifier(svcDriver)
	if err := svcDriver.Register(); err != nil {
		return fmt.Errorf("register svc driver: %w", err)
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(log, cfg.MetricsAddr)
	}

	if err := startTransports(ctx, log, core, fabric, manifestStore, cfg); err != nil {
		return err
	}

	if err := svcDriver.Start(); err != nil {
		return fmt.Errorf("start svc bootstrap: %w", err)
	}

	log.Info("gbridged started", "mtu", cfg.MTU)

	go func() {
		if err := host.Run(); err != nil {
			log.Error("host transport terminated", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func startMetricsServer(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "err", err)
		}
	}()
	log.Info("metrics server listening", "addr", addr)
}

func startTransports(ctx context.Context, log *slog.Logger, core *greybus.Core, fabric *routing.Fabric, store *manifest.Store, cfg *config.Config) error {
	if cfg.Transports.Simulator.Enabled {
		path := cfg.Transports.Simulator.ManifestFile
		if path == "" {
			log.Warn("simulator transport enabled but no manifest_file configured, skipping")
		} else if _, err := simulator.Attach(logging.For("simulator"), core, store, fabric, path); err != nil {
			return fmt.Errorf("attach simulator transport: %w", err)
		}
	}

	if cfg.Transports.Serial.Enabled {
		s := serial.New(logging.For("serial"), fabric, cfg.Transports.Serial.Device, cfg.Transports.Serial.Baud)
		if err := s.Open(); err != nil {
			return fmt.Errorf("open serial transport: %w", err)
		}
		fabric.AddController(s)
	}

	if cfg.Transports.TCPIP.Enabled {
		t := tcpip.New(logging.For("tcpip"), fabric)
		fabric.AddController(t)
		go func() {
			if err := t.Discover(ctx); err != nil {
				log.Warn("tcpip discovery stopped", "err", err)
			}
		}()
	}

	if cfg.Transports.Bluetooth.Enabled {
		b, err := bluetooth.New(logging.For("bluetooth"), fabric)
		if err != nil {
			return fmt.Errorf("open bluetooth transport: %w", err)
		}
		fabric.AddController(b)
		if err := b.Discover(); err != nil {
			log.Warn("bluetooth discovery failed", "err", err)
		}
	}

	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
