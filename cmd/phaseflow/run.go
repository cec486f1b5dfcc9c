package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/agent"
	"github.com/BaSui01/phaseflow/workflow"
	"github.com/BaSui01/phaseflow/workflow/dsl"
)

// =============================================================================
// 🚀 run 命令
// =============================================================================

// 退出码
const (
	exitFailed = 2
	exitPaused = 3
)

type runOptions struct {
	input     string
	sessionID string
	output    string
	dryRun    bool
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow definition",
		Long: `Execute a workflow definition and print the final session state as JSON.

Exit status is 0 when the session completes, 2 when it fails and 3 when an
escalation rule pauses it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, flags, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Workflow input as JSON, @file or - for stdin")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Session id (default: generated uuid)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the final state to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Use echo agents for agent refs missing from config")
	return cmd
}

func runWorkflow(cmd *cobra.Command, flags *globalFlags, path string, opts *runOptions) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	def, err := dsl.NewParser().ParseFile(path)
	if err != nil {
		return err
	}
	input, err := readInput(opts.input, cmd.InOrStdin())
	if err != nil {
		return err
	}

	registry, err := agent.NewRegistryFromConfig(cfg.Agents, logger)
	if err != nil {
		return err
	}
	if opts.dryRun {
		addEchoAgents(registry, def, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var runOpts []workflow.RunOption
	if opts.sessionID != "" {
		runOpts = append(runOpts, workflow.WithSessionID(opts.sessionID))
	}

	logger.Info("running workflow",
		zap.String("workflow", def.Name),
		zap.String("version", def.Version),
		zap.String("store", cfg.Store.Driver),
	)
	engine := workflow.NewEngine(registry, rt.engineOptions()...)
	state, runErr := engine.Run(ctx, def, input, runOpts...)
	rt.recordDBStats()

	if state == nil {
		return runErr
	}
	if err := writeState(cmd, opts.output, state); err != nil {
		return err
	}

	switch {
	case state.Status == workflow.StatusPaused:
		return &exitError{code: exitPaused, err: fmt.Errorf("workflow %s paused at phase %q", state.SessionID, state.FailedPhase)}
	case runErr != nil:
		return &exitError{code: exitFailed, err: runErr}
	}
	return nil
}

// readInput 解析 --input：内联 JSON、@文件或 - 表示标准输入
func readInput(arg string, stdin io.Reader) (any, error) {
	var data []byte
	switch {
	case arg == "":
		return map[string]any{}, nil
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read input from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}

	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}
	return input, nil
}

// addEchoAgents 为配置中缺失的 Agent 引用注册 echo Agent
func addEchoAgents(registry *agent.Registry, def *workflow.Definition, logger *zap.Logger) {
	refs := make([]string, 0, len(def.Agents))
	for ref := range def.Agents {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		if _, err := registry.Agent(ref); err == nil {
			continue
		}
		echo := agent.NewEcho(ref).WithCapabilities(def.Agents[ref].Capabilities...)
		if err := registry.Register(echo); err != nil {
			logger.Warn("failed to register echo agent", zap.String("agent", ref), zap.Error(err))
			continue
		}
		logger.Info("dry run: using echo agent", zap.String("agent", ref))
	}
}

func writeState(cmd *cobra.Command, output string, state *workflow.WorkflowState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	data = append(data, '\n')

	if output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}
