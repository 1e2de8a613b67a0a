package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tiger/callflow/api/events"
	"github.com/tiger/callflow/internal/call"
	"github.com/tiger/callflow/internal/config"
	"github.com/tiger/callflow/internal/kb"
	"github.com/tiger/callflow/internal/observability/telemetry"
	"github.com/tiger/callflow/internal/persist"
	"github.com/tiger/callflow/internal/reply"
	"github.com/tiger/callflow/internal/resilience"
	"github.com/tiger/callflow/internal/router"
	pollytts "github.com/tiger/callflow/providers/tts/polly"
	wstransport "github.com/tiger/callflow/transports/websocket"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "callflow-runtime: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, _ io.Writer, now func() time.Time) error {
	if len(args) == 0 {
		printUsage(stdout)
		return fmt.Errorf("a command is required")
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], stdout, now)
	case "check-patch":
		return runCheckPatch(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

type catalogFile map[string][]kb.Chunk

func runServe(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("addr", ":8080", "listen address for the websocket front-end")
	dbDSN := fs.String("db", "file:callflow.db", "sqlite dsn for call summaries")
	kbPath := fs.String("kb", "", "path to a knowledge catalog json file (product -> chunks)")
	product := fs.String("product", "", "product whose knowledge chunks ground replies")
	opening := fs.String("opening", "Hello, thanks for taking the call. How can I help you today?", "opening line spoken on connect")
	ttsMode := fs.String("tts", "client", "speech rendering: client (speak frames) or polly (server-side synthesis streamed as audio)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ttsMode != "client" && *ttsMode != "polly" {
		return fmt.Errorf("unsupported -tts mode %q (want client or polly)", *ttsMode)
	}

	store, err := persist.OpenSQLite(*dbDSN)
	if err != nil {
		return fmt.Errorf("open call store: %w", err)
	}
	defer store.Close()

	catalog := kb.NewCatalog(nil)
	if strings.TrimSpace(*kbPath) != "" {
		if err := loadCatalog(catalog, *kbPath); err != nil {
			return err
		}
	}

	routerCfg := router.Config{}
	if router.LLMConfigFromEnv().APIKey != "" {
		routerCfg.LLM = router.NewLLMClassifier(router.LLMConfigFromEnv())
	}
	classifier, err := router.New(routerCfg)
	if err != nil {
		return err
	}
	generator := reply.NewOpenAIGenerator(reply.ConfigFromEnv())

	pipeline := telemetry.NewPipeline(telemetry.NewMemorySink(), telemetry.Config{})
	defer pipeline.Close()

	mkInvoker := func(name string) (*resilience.Invoker, error) {
		return resilience.NewInvoker(name, resilience.Config{MaxRetries: 2})
	}
	retrieveInv, err := mkInvoker("retrieve")
	if err != nil {
		return err
	}
	generateInv, err := mkInvoker("generate")
	if err != nil {
		return err
	}
	persistInv, err := mkInvoker("persist")
	if err != nil {
		return err
	}

	pollyCfg := pollytts.ConfigFromEnv()
	factory := func(callID string, speaker *wstransport.RemoteSpeaker) (wstransport.CallRunner, error) {
		ctrl, ctrlErr := config.NewController(config.Defaults())
		if ctrlErr != nil {
			return nil, ctrlErr
		}
		var tts call.TTSEngine = speaker
		sink := &inboxSink{}
		if *ttsMode == "polly" {
			engine, engErr := pollytts.NewEngine(pollyCfg, callID, sink, audioPlayer{speaker: speaker})
			if engErr != nil {
				return nil, engErr
			}
			tts = engine
		}
		orch, orchErr := call.New(call.Options{
			CallID:  callID,
			Product: *product,
			Opening: *opening,
			Now:     now,
		}, call.Deps{
			TTS:       tts,
			Config:    ctrl,
			Retriever: catalog,
			Router:    classifier,
			Generator: generator,
			Persister: store,
			Retrieve:  retrieveInv,
			Generate:  generateInv,
			Persist:   persistInv,
			Telemetry: pipeline,
		})
		if orchErr != nil {
			return nil, orchErr
		}
		sink.bind(orch)
		return orch, nil
	}
	handler, err := wstransport.NewHandler(wstransport.Config{}, factory)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/call", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	_, _ = fmt.Fprintf(stdout, "callflow-runtime: serving calls on %s\n", *addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// inboxSink forwards synthesis engine events to the call inbox. The engine is
// built before the actor it reports to, so the sink is bound after both exist.
type inboxSink struct {
	mu    sync.Mutex
	inner events.Sink
}

func (s *inboxSink) bind(inner events.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = inner
}

func (s *inboxSink) Push(ev events.Event) error {
	s.mu.Lock()
	inner := s.inner
	s.mu.Unlock()
	if inner == nil {
		return fmt.Errorf("call inbox not ready")
	}
	return inner.Push(ev)
}

// audioPlayer streams server-synthesized audio down the caller's connection.
type audioPlayer struct {
	speaker *wstransport.RemoteSpeaker
}

func (p audioPlayer) Play(ctx context.Context, audio io.Reader) error {
	return p.speaker.PlayAudio(ctx, audio)
}

func loadCatalog(catalog *kb.Catalog, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read knowledge catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode knowledge catalog %s: %w", path, err)
	}
	for product, chunks := range file {
		if err := catalog.Load(product, chunks); err != nil {
			return fmt.Errorf("load catalog product %s: %w", product, err)
		}
	}
	return nil
}

// runCheckPatch validates a config patch file without applying it to a live
// call, so operators can vet patches before pushing them.
func runCheckPatch(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("check-patch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	patchPath := fs.String("patch", "", "path to a config patch json file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*patchPath) == "" {
		return fmt.Errorf("check-patch requires -patch")
	}
	raw, err := os.ReadFile(*patchPath)
	if err != nil {
		return fmt.Errorf("read patch %s: %w", *patchPath, err)
	}
	ctrl, err := config.NewController(config.Defaults())
	if err != nil {
		return err
	}
	applied, err := ctrl.ApplyJSON(raw)
	if err != nil {
		return fmt.Errorf("patch %s rejected: %w", *patchPath, err)
	}
	_, _ = fmt.Fprintf(stdout, "callflow-runtime check-patch: ok (silence confirm %dms, reminders %d x %dms)\n",
		applied.SilenceConfirmMS(), applied.ReminderMaxRepeats, applied.ReminderMS)
	return nil
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "callflow-runtime usage:")
	_, _ = fmt.Fprintln(w, "  callflow-runtime serve [-addr :8080] [-db file:callflow.db] [-kb catalog.json] [-product <name>] [-opening <text>] [-tts client|polly]")
	_, _ = fmt.Fprintln(w, "  callflow-runtime check-patch -patch <path>")
}
