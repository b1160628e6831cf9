// Command opusmixd serves the Opus/WebM streaming transcode API: create a
// stream, append files to its playlist, and poll /advance for the next
// chunk of encoded audio.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/opusmixd/opusmixd/internal/config"
	"github.com/opusmixd/opusmixd/internal/httpapi"
	"github.com/opusmixd/opusmixd/internal/logging"
	"github.com/opusmixd/opusmixd/internal/stream"
	"github.com/opusmixd/opusmixd/internal/subprocess"
	"github.com/opusmixd/opusmixd/internal/webrtctap"
)

// Version is the opusmixd release version, bumped on tagged release.
const Version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var listenAddr string
	var defaultBitrate int
	var staticDir string
	var versionFlag bool

	cmd := &cobra.Command{
		Use:   "opusmixd",
		Short: "Opus/WebM streaming transcode server",
		Long:  "opusmixd transcodes playlists of arbitrary audio files into a live, polled Opus-in-WebM stream.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if versionFlag {
				fmt.Fprintf(cmd.OutOrStdout(), "opusmixd version %s\n", Version)
				return nil
			}
			return serve(cmd, listenAddr, defaultBitrate, staticDir)
		},
	}

	cfg := config.Load()
	cmd.Flags().StringVar(&listenAddr, "listen", cfg.ListenAddr, "HTTP bind address")
	cmd.Flags().IntVar(&defaultBitrate, "bitrate", cfg.DefaultBitrateBps, "default encoder bitrate in bits per second for newly created streams")
	cmd.Flags().StringVar(&staticDir, "static-dir", "web", "directory containing index.html")
	cmd.Flags().BoolVarP(&versionFlag, "version", "v", false, "show version information")

	return cmd
}

// serve verifies ffmpeg/ffprobe are usable, wires the Stream Registry,
// WebRTC Tap, and HTTP Dispatcher together, and runs the server until an
// interrupt or termination signal shuts it down gracefully; a second signal
// forces an immediate exit.
func serve(cmd *cobra.Command, listenAddr string, defaultBitrate int, staticDir string) error {
	cfg := config.Load()
	cfg.ListenAddr = listenAddr
	cfg.DefaultBitrateBps = defaultBitrate

	logFile, err := logging.Setup(cfg, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("opusmixd: configure logging: %w", err)
	}
	if logFile != "" {
		slog.Info("file logging enabled", "path", logFile)
	}

	if err := verifyTranscoderTools(); err != nil {
		slog.Error("required tool unavailable", "err", err)
		return err
	}

	registry := stream.NewRegistry(cfg.AudioFormat)
	webrtc := webrtctap.NewHandler(cfg.AudioFormat, slog.Default())
	staticFS := afero.NewBasePathFs(afero.NewOsFs(), staticDir)

	handler := httpapi.NewServer(registry, webrtc, staticFS, cfg.AdvanceChunkSeconds, cfg.DefaultBitrateBps, slog.Default())

	server := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutdown signal received, shutting down gracefully")
		go func() {
			<-sigCh
			slog.Warn("second shutdown signal received, exiting immediately")
			os.Exit(1)
		}()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown did not complete in time, closing now", "err", err)
			server.Close()
		}
	}()

	slog.Info("opusmixd listening", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("opusmixd: http server: %w", err)
	}
	return nil
}

// verifyTranscoderTools runs ffmpeg/ffprobe -version and fatal-exits
// (returning an error that main turns into exit code 1) if either tool is
// missing or unusable.
func verifyTranscoderTools() error {
	for _, tool := range []string{"ffmpeg", "ffprobe"} {
		res, err := subprocess.ExecCollect(tool, []string{"-version"}, nil)
		if err != nil {
			return fmt.Errorf("%s binary not found: %w", tool, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%s -version exited %d", tool, res.ExitCode)
		}
	}
	return nil
}
