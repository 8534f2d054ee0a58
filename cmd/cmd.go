// Package cmd provides CLI command implementations for sigraph.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/sigraph-io/sigraph/internal/daemon"
	"github.com/sigraph-io/sigraph/internal/engine"
	"github.com/sigraph-io/sigraph/internal/ingest"
	"github.com/sigraph-io/sigraph/internal/isg"
	"github.com/sigraph-io/sigraph/internal/query"
	"github.com/sigraph-io/sigraph/internal/snapshot"
	"github.com/sigraph-io/sigraph/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// stateDirName is the per-workspace state directory.
const stateDirName = ".sigraph"

// Exit codes: 0 success, 1 generic failure, 2 parse error, 3 entity not
// found. main maps errors through ExitCode.
const (
	ExitFailure    = 1
	ExitParseError = 2
	ExitNotFound   = 3
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var parseErr *isg.ParseError
	if errors.As(err, &parseErr) {
		return ExitParseError
	}
	if errors.Is(err, isg.ErrNotFound) {
		return ExitNotFound
	}
	return ExitFailure
}

// IngestCmd indexes a workspace into the signature graph.
type IngestCmd struct {
	Path    string   `arg:"" optional:"" default:"." help:"Path to workspace"`
	Include []string `help:"Only ingest paths matching these globs"`
	Exclude []string `help:"Skip paths matching these globs"`
	Workers int      `help:"Parallel extraction workers (default: one per CPU)"`
	Quiet   bool     `short:"q" help:"Suppress progress output"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run() error {
	ctx := context.Background()
	root, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	color.Green("Ingesting %s", root)

	stateDir := filepath.Join(root, stateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	eng := engine.New()

	var progress ingest.ProgressCallback
	if !c.Quiet {
		progress = func(phase string, pct float64) {
			fmt.Printf("\r\033[K%s (%.0f%%)", phase, pct*100)
		}
	}

	result, err := ingest.Run(ctx, root, eng, ingest.Options{
		Walk:     ingest.WalkOptions{Include: c.Include, Exclude: c.Exclude},
		Workers:  c.Workers,
		Progress: progress,
	})
	if err != nil {
		return fmt.Errorf("running ingestion: %w", err)
	}
	if !c.Quiet {
		fmt.Println()
	}

	if err := saveSnapshot(root, eng); err != nil {
		return err
	}
	if err := writeMeta(root, result); err != nil {
		return err
	}

	color.Green("\n✓ Ingestion complete")
	fmt.Printf("  Files:     %d\n", result.Files)
	fmt.Printf("  Entities:  %d\n", result.Entities)
	fmt.Printf("  Edges:     %d\n", result.Edges)
	fmt.Printf("  Pending:   %d\n", result.Pending)
	fmt.Printf("  Duration:  %.2fs\n", result.DurationSecs)

	for _, pe := range result.ParseErrors {
		color.Yellow("  parse error: %s:%d: %s", pe.FilePath, pe.Line, pe.Msg)
	}
	for _, w := range result.Warnings {
		color.Yellow("  %s: %s", w.Kind, w.Detail)
	}

	if len(result.ParseErrors) > 0 {
		return result.ParseErrors[0]
	}
	return nil
}

// QueryCmd resolves a key through the discovery index.
type QueryCmd struct {
	Key   string `arg:"" help:"Short name, qualified path, or fuzzy query"`
	Limit int    `short:"n" default:"10" help:"Maximum candidates"`
	JSON  bool   `help:"Emit line-delimited JSON"`
}

// Run executes the query command.
func (c *QueryCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}

	candidates := query.NewService(eng).Lookup(c.Key, c.Limit)
	if len(candidates) == 0 {
		fmt.Println("No results found")
		return isg.ErrNotFound
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		for _, cand := range candidates {
			if err := enc.Encode(cand); err != nil {
				return err
			}
		}
		return nil
	}

	for i, cand := range candidates {
		fmt.Printf("\n%d. %s (%s)\n", i+1, cand.QualifiedPath, cand.Kind)
		fmt.Printf("   ID:    %s\n", cand.ID)
		fmt.Printf("   File:  %s\n", cand.FilePath)
		fmt.Printf("   Score: %.1f\n", cand.Score)
	}
	return nil
}

// CallersCmd lists the direct callers of a function.
type CallersCmd struct {
	Key  string `arg:"" help:"Function name, qualified path, or signature hash"`
	JSON bool   `help:"Emit line-delimited JSON"`
}

// Run executes the callers command.
func (c *CallersCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	res, err := query.NewService(eng).Callers(context.Background(), c.Key)
	if err != nil {
		return err
	}
	return printResult("Callers", res, c.JSON)
}

// ImplementersCmd lists the trait impls registered against a trait.
type ImplementersCmd struct {
	Key  string `arg:"" help:"Trait name or qualified path"`
	JSON bool   `help:"Emit line-delimited JSON"`
}

// Run executes the implementers command.
func (c *ImplementersCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	res, err := query.NewService(eng).Implementers(context.Background(), c.Key)
	if err != nil {
		return err
	}
	return printResult("Implementers", res, c.JSON)
}

// BlastCmd shows the blast radius of changing an entity.
type BlastCmd struct {
	Key        string `arg:"" help:"Entity name, qualified path, or signature hash"`
	Depth      int    `short:"d" default:"3" help:"Maximum traversal depth"`
	MaxResults int    `help:"Cap the result size"`
	JSON       bool   `help:"Emit line-delimited JSON"`
}

// Run executes the blast command.
func (c *BlastCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	res, err := query.NewService(eng).BlastRadius(context.Background(), c.Key, query.BlastOptions{
		MaxDepth:   c.Depth,
		MaxResults: c.MaxResults,
	})
	if err != nil {
		return err
	}
	return printResult("Blast radius", res, c.JSON)
}

// CyclesCmd detects module dependency cycles.
type CyclesCmd struct {
	JSON bool `help:"Emit line-delimited JSON"`
}

// Run executes the cycles command.
func (c *CyclesCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	res, err := query.NewService(eng).Cycles(context.Background())
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		for _, cyc := range res.Cycles {
			if err := enc.Encode(cyc); err != nil {
				return err
			}
		}
		return nil
	}

	if len(res.Cycles) == 0 {
		color.Green("No module dependency cycles detected")
		return nil
	}

	color.Yellow("Found %d module dependency cycle(s):", len(res.Cycles))
	for i, cyc := range res.Cycles {
		paths := make([]string, 0, len(cyc.Members)+1)
		for _, m := range cyc.Members {
			paths = append(paths, m.QualifiedPath)
		}
		paths = append(paths, cyc.Members[0].QualifiedPath)
		fmt.Printf("%d. %s\n", i+1, strings.Join(paths, " -> "))
	}
	printCaveats(res.Complete, res.Warnings)
	return nil
}

// UnreferencedCmd lists entities with no resolved incoming references.
type UnreferencedCmd struct {
	JSON bool `help:"Emit line-delimited JSON"`
}

// Run executes the unreferenced command.
func (c *UnreferencedCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	res, err := query.NewService(eng).Unreferenced(context.Background())
	if err != nil {
		return err
	}
	return printResult("Unreferenced entities", res, c.JSON)
}

// ContextCmd exports a cited context bundle for an entity.
type ContextCmd struct {
	Key  string `arg:"" help:"Entity name, qualified path, or signature hash"`
	JSON bool   `help:"Emit the bundle as JSON instead of markdown"`
}

// Run executes the context command.
func (c *ContextCmd) Run() error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	bundle, err := query.NewService(eng).Context(context.Background(), c.Key)
	if err != nil {
		return err
	}

	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(bundle)
	}
	fmt.Print(bundle.Markdown())
	return nil
}

// WatchCmd keeps the graph current while files change.
type WatchCmd struct {
	Include []string `help:"Only watch paths matching these globs"`
	Exclude []string `help:"Skip paths matching these globs"`
}

// Run executes the watch command.
func (c *WatchCmd) Run() error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	eng, err := loadOrIngest(root)
	if err != nil {
		return err
	}

	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n", root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-osSignalChannel()
		fmt.Println("\nStopping watch mode...")
		cancel()
	}()

	walkOpts := ingest.WalkOptions{Include: c.Include, Exclude: c.Exclude}
	err = ingest.Watch(ctx, root, eng, ingest.WatchOptions{
		Walk: walkOpts,
		OnBatch: func(report ingest.BatchReport) {
			for _, p := range report.Updated {
				fmt.Printf("  updated: %s\n", p)
			}
			for _, p := range report.Removed {
				fmt.Printf("  removed: %s\n", p)
			}
			for _, pe := range report.ParseErrors {
				color.Yellow("  parse error: %s:%d: %s (keeping last-good)", pe.FilePath, pe.Line, pe.Msg)
			}
		},
	})
	if err != nil && err != context.Canceled {
		return fmt.Errorf("watch error: %w", err)
	}

	if err := saveSnapshot(root, eng); err != nil {
		return err
	}
	fmt.Println("Watch mode stopped.")
	return nil
}

// DaemonCmd serves queries over a unix socket with live re-indexing.
type DaemonCmd struct {
	Socket  string   `help:"Socket path (default: <workspace>/.sigraph/daemon.sock)"`
	Include []string `help:"Only watch paths matching these globs"`
	Exclude []string `help:"Skip paths matching these globs"`
}

// Run executes the daemon command.
func (c *DaemonCmd) Run() error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	eng, err := loadOrIngest(root)
	if err != nil {
		return err
	}

	socketPath := c.Socket
	if socketPath == "" {
		socketPath = filepath.Join(root, stateDirName, "daemon.sock")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-osSignalChannel()
		fmt.Fprintln(os.Stderr, "shutting down...")
		cancel()
	}()

	walkOpts := ingest.WalkOptions{Include: c.Include, Exclude: c.Exclude}
	go func() {
		err := ingest.Watch(ctx, root, eng, ingest.WatchOptions{Walk: walkOpts})
		if err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}()

	fmt.Fprintf(os.Stderr, "daemon listening on %s\n", socketPath)
	err = daemon.NewServer(eng).Serve(ctx, socketPath)
	if err != nil && err != context.Canceled {
		return err
	}

	return saveSnapshot(root, eng)
}

// ServeCmd starts the MCP server over stdio with optional watch mode.
type ServeCmd struct {
	Watch bool `short:"w" help:"Enable file watching"`
}

// Run executes the serve command.
func (c *ServeCmd) Run() error {
	ctx := context.Background()
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	eng, err := loadOrIngest(root)
	if err != nil {
		return err
	}

	server := mcp.NewServer(eng)

	if c.Watch {
		fmt.Fprintln(os.Stderr, "Starting MCP server with watch mode...")

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			err := ingest.Watch(watchCtx, root, eng, ingest.WatchOptions{})
			if err != nil && err != context.Canceled {
				fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
			}
		}()
	} else {
		fmt.Fprintln(os.Stderr, "Starting MCP server...")
	}

	// Note: No other output to stdout - MCP uses stdio for JSON-RPC only
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// StatusCmd shows graph status for the current workspace.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run() error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	metaPath := filepath.Join(root, stateDirName, "meta.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no graph found at %s. Run 'sigraph ingest' first", root)
		}
		return fmt.Errorf("reading meta.json: %w", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("parsing meta.json: %w", err)
	}

	fmt.Printf("Graph status for %s\n", root)
	if version, ok := meta["version"].(string); ok {
		fmt.Printf("  Version:       %s\n", version)
	}
	if indexedAt, ok := meta["ingested_at"].(string); ok {
		fmt.Printf("  Last ingested: %s\n", indexedAt)
	}
	if stats, ok := meta["stats"].(map[string]any); ok {
		for _, field := range []struct{ label, key string }{
			{"Files", "Files"},
			{"Entities", "Entities"},
			{"Edges", "Edges"},
			{"Pending", "Pending"},
		} {
			if v, ok := stats[field.key].(float64); ok {
				fmt.Printf("  %-13s %.0f\n", field.label+":", v)
			}
		}
	}
	return nil
}

// CleanCmd deletes the graph state for the current workspace.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run() error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	stateDir := filepath.Join(root, stateDirName)
	if _, err := os.Stat(stateDir); os.IsNotExist(err) {
		return fmt.Errorf("no graph found at %s. Nothing to clean", root)
	}

	if !c.Force {
		fmt.Printf("Delete graph state at %s? [y/N] ", stateDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(stateDir); err != nil {
		return fmt.Errorf("deleting graph state: %w", err)
	}

	color.Green("Deleted %s", stateDir)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// loadEngine restores the graph from the workspace snapshot. Queries run
// against the in-memory graph; the store is closed once loaded.
func loadEngine() (*engine.Engine, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	dbPath := filepath.Join(root, stateDirName, "badger")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no graph found at %s. Run 'sigraph ingest' first", root)
	}

	store, err := snapshot.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	entities, edges, err := store.Load()
	if err != nil {
		if errors.Is(err, isg.ErrIncompatibleSnapshot) {
			return nil, fmt.Errorf("snapshot format changed; run 'sigraph ingest' to rebuild")
		}
		var corrupt *isg.GraphCorruptionError
		if errors.As(err, &corrupt) {
			return nil, fmt.Errorf("snapshot is corrupt (%s); run 'sigraph ingest' to rebuild", corrupt.Detail)
		}
		return nil, err
	}

	eng := engine.Load(entities, edges)
	if err := eng.CheckIntegrity(); err != nil {
		return nil, fmt.Errorf("loaded graph failed integrity check (%v); run 'sigraph ingest' to rebuild", err)
	}
	return eng, nil
}

// loadOrIngest restores the snapshot when present and compatible, otherwise
// runs a fresh full ingestion.
func loadOrIngest(root string) (*engine.Engine, error) {
	dbPath := filepath.Join(root, stateDirName, "badger")
	if _, err := os.Stat(dbPath); err == nil {
		eng, err := loadEngine()
		if err == nil {
			return eng, nil
		}
		fmt.Fprintf(os.Stderr, "snapshot unusable (%v); re-ingesting\n", err)
	}

	eng := engine.New()
	_, err := ingest.Run(context.Background(), root, eng, ingest.Options{})
	if err != nil {
		return nil, fmt.Errorf("running ingestion: %w", err)
	}
	return eng, nil
}

// saveSnapshot persists the engine state to the workspace snapshot store.
func saveSnapshot(root string, eng *engine.Engine) error {
	dbPath := filepath.Join(root, stateDirName, "badger")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	store, err := snapshot.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entities, edges := eng.Snapshot()
	if err := store.Save(entities, edges); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func writeMeta(root string, result *ingest.Result) error {
	meta := map[string]any{
		"version":     Version,
		"name":        filepath.Base(root),
		"path":        root,
		"stats":       result,
		"ingested_at": time.Now().UTC().Format(time.RFC3339),
	}

	metaPath := filepath.Join(root, stateDirName, "meta.json")
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}
	return nil
}

func printResult(header string, res *query.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, n := range res.Nodes {
			if err := enc.Encode(n); err != nil {
				return err
			}
		}
		return nil
	}

	if res.Root != nil {
		fmt.Printf("%s of %s:\n", header, res.Root.QualifiedPath)
	} else {
		fmt.Printf("%s:\n", header)
	}

	if len(res.Nodes) == 0 {
		fmt.Println("  (none)")
	}
	for i, n := range res.Nodes {
		line := fmt.Sprintf("%d. %s (%s) %s:%d", i+1, n.QualifiedPath, n.Kind, n.FilePath, n.Span.Start)
		if n.Depth > 1 {
			line += fmt.Sprintf("  depth=%d", n.Depth)
		}
		if n.Confidence == isg.ConfidenceInferred {
			line += "  [inferred]"
		}
		fmt.Println(line)
	}

	if res.Truncated {
		color.Yellow("(truncated)")
	}
	printCaveats(res.Complete, res.Warnings)
	return nil
}

func printCaveats(complete bool, warnings []isg.Warning) {
	if complete {
		return
	}
	color.Yellow("Result is partial:")
	for _, w := range warnings {
		color.Yellow("  %s: %s", w.Kind, w.Detail)
	}
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Ingest       IngestCmd       `cmd:"" help:"Index a workspace into the signature graph"`
	Query        QueryCmd        `cmd:"" help:"Resolve a key to candidate entities"`
	Callers      CallersCmd      `cmd:"" help:"List the direct callers of a function"`
	Implementers ImplementersCmd `cmd:"" help:"List trait impls registered against a trait"`
	Blast        BlastCmd        `cmd:"" help:"Show blast radius of changing an entity"`
	Cycles       CyclesCmd       `cmd:"" help:"Detect module dependency cycles"`
	Unreferenced UnreferencedCmd `cmd:"" help:"List entities with no incoming references"`
	Context      ContextCmd      `cmd:"" help:"Export a cited context bundle for an entity"`
	Watch        WatchCmd        `cmd:"" help:"Keep the graph current while files change"`
	Daemon       DaemonCmd       `cmd:"" help:"Serve queries over a unix socket with live re-indexing"`
	Serve        ServeCmd        `cmd:"" help:"Start MCP server (stdio transport)"`
	Status       StatusCmd       `cmd:"" help:"Show graph status for current workspace"`
	Clean        CleanCmd        `cmd:"" help:"Delete graph state for current workspace"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("sigraph"),
		kong.Description("Interface signature graph engine for trait-heavy codebases"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run()
}
