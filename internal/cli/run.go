package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/parla/internal/config"
	"github.com/harun/parla/internal/tracing"
	"github.com/harun/parla/pkg/gateway"
	"github.com/harun/parla/pkg/orchestrator"
	"github.com/harun/parla/pkg/realtime"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a realtime session with provider tools",
	Long: `Connect the tool providers, open a realtime session and relay text typed
on stdin as user messages. Model transcripts and tool activity are printed to
stdout. Type /image <path> to attach an image to the next message, /stats for counters, /quit to exit.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// fanout forwards conversation events to several observers
type fanout struct {
	mu        sync.RWMutex
	observers []orchestrator.Observer
}

func (f *fanout) add(obs orchestrator.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, obs)
}

func (f *fanout) Publish(event string, data any) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, obs := range f.observers {
		obs.Publish(event, data)
	}
}

// transcriptPrinter writes the human-facing side of the conversation
type transcriptPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *transcriptPrinter) Publish(event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fields, _ := data.(map[string]any)
	switch event {
	case orchestrator.EventTranscript:
		if text, ok := data.(map[string]string); ok {
			fmt.Fprintf(p.w, "assistant: %s\n", text["text"])
		}
	case orchestrator.EventToolCall:
		fmt.Fprintf(p.w, "[tool] %v\n", fields["name"])
	case orchestrator.EventToolResult:
		if errMsg, ok := fields["error"]; ok {
			fmt.Fprintf(p.w, "[tool] %v failed: %v\n", fields["name"], errMsg)
		}
	case orchestrator.EventError:
		fmt.Fprintf(p.w, "[error] %v\n", fields["message"])
	case orchestrator.EventDisconnected:
		fmt.Fprintln(p.w, "[session closed]")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	logs, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logs.Close()
	setupAudit(cfg)

	if err := tracing.InitOpenTelemetry("parla"); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer tracing.ShutdownOpenTelemetry(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := connectBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer bridge.Close(context.Background())

	session := realtime.New(realtime.Config{
		URL:       cfg.Realtime.URL,
		Model:     cfg.Realtime.Model,
		APIKey:    cfg.Realtime.APIKey,
		KeepAlive: time.Duration(cfg.Realtime.KeepAliveSeconds) * time.Second,
	})

	out := cmd.OutOrStdout()
	observers := &fanout{}
	observers.add(&transcriptPrinter{w: out})

	orch := orchestrator.New(session, bridge,
		orchestrator.WithVoice(cfg.Realtime.Voice),
		orchestrator.WithInstructions(cfg.Realtime.Instructions),
		orchestrator.WithTurnDetection(cfg.Realtime.TurnDetection),
		orchestrator.WithToolWait(time.Duration(cfg.Realtime.ToolWaitSeconds)*time.Second, 1),
		orchestrator.WithObserver(observers),
	)

	if cfg.Gateway.Enabled {
		monitor, err := gateway.NewServer(gateway.Config{
			Addr:         cfg.Gateway.Addr(),
			SharedSecret: cfg.Gateway.SharedSecret,
			TickInterval: 30 * time.Second,
			Bridge:       bridge,
			Stats:        orch,
			Logger:       log.Logger.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			return err
		}
		if err := monitor.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.Stop(stopCtx)
		}()
		observers.add(monitor.Broadcaster())
	}

	if cfg.ToolOverridesFile != "" {
		watcher, err := config.NewOverridesWatcher(cfg.ToolOverridesFile, 0, func(o config.ToolOverrides) {
			bridge.SetToolOverrides(toToolOverrides(o))
			if err := orch.RefreshTools(); err != nil {
				log.Warn().Err(err).Msg("Failed to push refreshed tools")
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readInput(ctx, cancel, cmd.InOrStdin(), out, orch)

	err = orch.Run(ctx)
	stats := orch.Stats()
	fmt.Fprintf(out, "tool calls: %d (failed %d), errors: %d\n", stats.ToolCalls, stats.ToolFailures, stats.Errors)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readInput relays stdin lines into the conversation until EOF or /quit
func readInput(ctx context.Context, quit context.CancelFunc, in io.Reader, out io.Writer, orch *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			quit()
			return
		case line == "/stats":
			s := orch.Stats()
			fmt.Fprintf(out, "audio in %d, audio out %d, images %d, tool calls %d, barge-ins %d, errors %d\n",
				s.AudioChunksReceived, s.AudioChunksSent, s.ImagesSent, s.ToolCalls, s.BargeIns, s.Errors)
		case strings.HasPrefix(line, "/image "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
			if err := sendImageFile(orch, path); err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
			}
		default:
			if err := orch.SendText(line); err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
			}
		}
	}
}

func sendImageFile(orch *orchestrator.Orchestrator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if !strings.HasPrefix(mimeType, "image/") {
		return fmt.Errorf("%s is not an image", path)
	}
	return orch.SendImage(data, mimeType)
}
