package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/workflow"
	"github.com/BaSui01/phaseflow/workflow/dsl"
)

// =============================================================================
// 📋 validate / plan 命令
// =============================================================================

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := compileFile(flags, args[0])
			if err != nil {
				printProblems(cmd.ErrOrStderr(), err)
				return err
			}
			def := plan.Definition
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s (version %s) is valid: %d phases, %d execution units\n",
				def.Name, def.Version, len(def.Phases), len(plan.Units))
			return nil
		},
	}
}

func newPlanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <workflow.yaml>",
		Short: "Print the execution order of a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := compileFile(flags, args[0])
			if err != nil {
				printProblems(cmd.ErrOrStderr(), err)
				return err
			}
			return printPlan(cmd.OutOrStdout(), plan)
		},
	}
}

// compileFile 解析并编译定义，使用配置中的引擎策略
func compileFile(flags *globalFlags, path string) (*workflow.Plan, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	def, err := dsl.NewParser().ParseFile(path)
	if err != nil {
		return nil, err
	}
	logger.Debug("definition parsed", zap.String("workflow", def.Name))
	return workflow.Compile(def, cfg.Engine.Policy(), logger)
}

// printProblems 定义错误逐条输出
func printProblems(w io.Writer, err error) {
	var defErr *workflow.DefinitionError
	if !errors.As(err, &defErr) {
		return
	}
	for _, p := range defErr.Problems {
		fmt.Fprintf(w, "  - %s\n", p.Error())
	}
}

func printPlan(w io.Writer, plan *workflow.Plan) error {
	def := plan.Definition
	fmt.Fprintf(w, "Workflow %s (version %s)\n\n", def.Name, def.Version)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tKIND\tPHASES\tAGENTS\tDEPENDS ON")
	for i, unit := range plan.Units {
		var names, agents, deps []string
		for _, inst := range unit.Phases {
			spec := inst.Spec
			names = append(names, phaseLabel(inst))
			if spec.Kind == workflow.PhaseDynamicLoop {
				for _, b := range spec.Body {
					agents = appendUnique(agents, b.AgentRef)
				}
			} else {
				agents = appendUnique(agents, spec.AgentRef)
			}
			for _, d := range spec.DependsOn {
				deps = appendUnique(deps, d)
			}
		}
		kind := unit.Kind.String()
		if unit.Group != "" {
			kind += " " + unit.Group
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, kind,
			strings.Join(names, ", "), strings.Join(agents, ", "), orDash(strings.Join(deps, ", ")))
	}
	return tw.Flush()
}

func phaseLabel(inst *workflow.PhaseInstance) string {
	spec := inst.Spec
	var tags []string
	if spec.Kind == workflow.PhaseDynamicLoop {
		body := make([]string, len(spec.Body))
		for i, b := range spec.Body {
			body[i] = b.Name
		}
		tags = append(tags, fmt.Sprintf("over %s: %s", spec.LoopSource, strings.Join(body, " -> ")))
	}
	if !spec.Required {
		tags = append(tags, "optional")
	}
	if !spec.Enabled {
		tags = append(tags, "disabled")
	}
	if spec.Condition != "" {
		tags = append(tags, "if "+spec.Condition)
	}
	if len(tags) == 0 {
		return inst.Key
	}
	return fmt.Sprintf("%s (%s)", inst.Key, strings.Join(tags, "; "))
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
