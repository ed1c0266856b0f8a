// Command demo wires the loom runtime end to end: an in-process bus, the
// tiered memory store, a tool registry, and a scripted model client playing
// a two-turn tool conversation. It needs no provider credentials; use it to
// watch the moving parts before swapping in a features/model adapter.
//
// Usage:
//
//	go run goa.design/loom/cmd/demo [-config demo.yaml] [-debug]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/loom/runtime/agent"
	"goa.design/loom/runtime/bus"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/memory"
	"goa.design/loom/runtime/message"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/tools"
)

// config holds the demo's YAML-backed wiring knobs. Every field has a
// default so the demo also runs without a file.
type config struct {
	Agent struct {
		ID           string  `yaml:"id"`
		Instructions string  `yaml:"instructions"`
		Model        string  `yaml:"model"`
		MaxDepth     int     `yaml:"max_depth"`
		Recall       int     `yaml:"recall"`
		Temperature  float32 `yaml:"temperature"`
	} `yaml:"agent"`
	Memory struct {
		L1Capacity int `yaml:"l1_capacity"`
		L2Capacity int `yaml:"l2_capacity"`
	} `yaml:"memory"`
	Prompt string `yaml:"prompt"`
}

func defaultConfig() config {
	var cfg config
	cfg.Agent.ID = "demo"
	cfg.Agent.Instructions = "You are a meticulous note keeper. Save what the user asks you to remember, then confirm."
	cfg.Agent.Model = "scripted-v1"
	cfg.Agent.MaxDepth = 4
	cfg.Agent.Recall = 5
	cfg.Memory.L1Capacity = 32
	cfg.Memory.L2Capacity = 16
	cfg.Prompt = "Remember that the deploy window is Friday 14:00 UTC, then tell me what you have on file."
	return cfg
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML config (optional)")
		debugF  = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logging. Logs go to stderr so the rendered conversation on
	// stdout stays clean.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()

	// Bus and memory. Attaching the store subscribes it to every
	// message-bearing task so the conversation files itself into the tiers.
	b := bus.New(bus.WithLogger(logger))
	store := memory.New(
		memory.WithL1Capacity(cfg.Memory.L1Capacity),
		memory.WithL2Capacity(cfg.Memory.L2Capacity),
		memory.WithLogger(logger),
	)
	defer store.Close()
	if err := store.Attach(b); err != nil {
		return err
	}

	nb := &notebook{}
	reg := tools.NewRegistry()
	if err := registerTools(reg, nb); err != nil {
		return err
	}

	// The script plays one tool turn, then the final answer.
	client := newScript(
		&model.Response{
			Content: "Noting that down.",
			ToolCalls: []message.ToolCall{
				{ID: "call_1", Name: "note_save", Arguments: map[string]any{"text": "Deploy window: Friday 14:00 UTC"}},
				{ID: "call_2", Name: "list_notes"},
			},
			StopReason: "tool_use",
			Usage:      model.TokenUsage{InputTokens: 42, OutputTokens: 12, TotalTokens: 54},
		},
		&model.Response{
			Content:    "Saved. One note on file: the deploy window is Friday 14:00 UTC.",
			StopReason: "end_turn",
			Usage:      model.TokenUsage{InputTokens: 58, OutputTokens: 17, TotalTokens: 75},
		},
	)

	a, err := agent.New(cfg.Agent.ID, client, b,
		agent.WithInstructions(cfg.Agent.Instructions),
		agent.WithTools(reg),
		agent.WithMemory(store),
		agent.WithModel(cfg.Agent.Model),
		agent.WithMaxDepth(cfg.Agent.MaxDepth),
		agent.WithRecall(cfg.Agent.Recall),
		agent.WithTemperature(cfg.Agent.Temperature),
		agent.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	fmt.Println("user:", cfg.Prompt)
	fmt.Print("assistant: ")

	// Stream the run, rendering deltas and tool progress as they arrive.
	// The agent closes the channel when the run finishes.
	events := make(chan hooks.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		render(events)
	}()

	final, err := a.Stream(ctx, message.NewUser(cfg.Prompt),
		agent.WithSessionID("demo-session"),
		agent.WithEventChannel(events),
	)
	<-done
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("final:", final.Text())

	// The catch-all bus subscription filed every run message into memory.
	fmt.Println()
	fmt.Println("working memory, oldest first:")
	for _, e := range store.GetRecent(cfg.Agent.Recall) {
		fmt.Printf("  [%s] %s\n", e.Tier, e.Content)
	}
	return nil
}

// render prints run progress from the agent's event channel.
func render(events <-chan hooks.Event) {
	for evt := range events {
		switch e := evt.(type) {
		case *hooks.ModelDelta:
			fmt.Print(e.Text)
		case *hooks.ToolStarted:
			fmt.Printf("\n[tool %s started read_only=%t]", e.Tool, e.ReadOnly)
		case *hooks.ToolCompleted:
			fmt.Printf("\n[tool %s done in %s ok=%t]", e.Tool, e.Elapsed.Round(time.Microsecond), e.OK)
		case *hooks.RunCompleted:
			fmt.Printf("\n[run %s done in %s]", e.RunID(), e.Elapsed.Round(time.Millisecond))
		}
	}
}
