// eva2clip_inspect reports on embeddings artifacts and training checkpoints.
//
// Usage:
//
//	eva2clip_inspect --artifact=embeddings.npz
//	eva2clip_inspect --summary --params <checkpoint-dir>
//	eva2clip_inspect --metrics <checkpoint-dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/Hafeezmhk7/eva-clip-v3/dit"
	"github.com/Hafeezmhk7/eva-clip-v3/embeddings"
)

var (
	flagArtifact = flag.String("artifact", "", "Validate and report on an embeddings artifact (NPZ file).")

	flagSummary = flag.Bool("summary", false, "Display the global step and the model sizes. "+
		"Optimizer and support variables live outside the model scope and are skipped.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the model variables.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
)

func main() {
	flag.Parse()

	if *flagArtifact != "" {
		reportArtifact(*flagArtifact)
	}
	args := flag.Args()
	if len(args) == 0 {
		if *flagArtifact != "" {
			return
		}
		klog.Errorf("Missing checkpoint directory to read from. See 'eva2clip_inspect -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'eva2clip_inspect -help'.")
		os.Exit(1)
	}
	reportCheckpoint(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func reportArtifact(artifactPath string) {
	artifact, err := embeddings.Load(artifactPath)
	if err != nil {
		klog.Exitf("Invalid embeddings artifact %q: %+v", artifactPath, err)
	}
	fmt.Println(titleStyle.Render("Embeddings Artifact"))
	table := newPlainTable(false)
	for _, row := range artifact.Summary() {
		table.Row(row[0], row[1])
	}
	fmt.Println(table.Render())
}

func reportCheckpoint(checkpointPath string) {
	ctx := context.New()
	if *flagSummary || *flagParams || *flagVars {
		_ = must.M1(checkpoints.Build(ctx).
			Dir(checkpointPath).Immediate().Done())
	}
	// Optimizer state (Adam moments, global step) lives outside the model
	// scope, so size reports only count the DiT weights.
	modelCtx := ctx.In(dit.ModelScope)

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("checkpoint", checkpointPath)
		table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))

		var numVars, numWeights int
		var memory uintptr
		modelCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			numVars++
			numWeights += v.Shape().Size()
			memory += v.Shape().Memory()
		})
		table.Row("# model variables", humanize.Comma(int64(numVars)))
		table.Row("# model weights", humanize.Comma(int64(numWeights)))
		table.Row("model size", humanize.Bytes(uint64(memory)))
		fmt.Println(table.Render())
	}

	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		table := newPlainTable(true)
		table.Row("Scope", "Name", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			table.Row(scope, key, fmt.Sprintf("%v", value))
		})
		fmt.Println(table.Render())
	}

	if *flagVars {
		fmt.Println(titleStyle.Render("Model Variables"))
		table := newPlainTable(true)
		table.Row("Scope", "Name", "Shape", "Size")
		var rows [][]string
		modelCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			rows = append(rows, []string{
				v.Scope(), v.Name(), v.Shape().String(),
				humanize.Comma(int64(v.Shape().Size())),
			})
		})
		slices.SortFunc(rows, func(a, b []string) int {
			if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
				return cmp
			}
			return strings.Compare(a[1], b[1])
		})
		for _, row := range rows {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}

	if *flagMetrics {
		reportMetrics(checkpointPath)
	}
}

func reportMetrics(checkpointPath string) {
	trainingMetricsPath := path.Join(checkpointPath, plots.TrainingPlotFileName)
	points := must.M1(plots.LoadPoints(trainingMetricsPath))
	if len(points) == 0 {
		klog.Errorf("No metrics found in %q", trainingMetricsPath)
		return
	}
	fmt.Println(titleStyle.Render("Metrics"))

	// Columns are the metric short names, in alphabetical order.
	shorts := make(map[string]bool)
	for _, point := range points {
		shorts[point.Short] = true
	}
	order := make([]string, 0, len(shorts))
	for short := range shorts {
		order = append(order, short)
	}
	slices.Sort(order)
	columns := make(map[string]int, len(order))
	for idx, short := range order {
		columns[short] = idx + 1
	}

	table := newPlainTable(true)
	table.Row(append([]string{"Global Step"}, order...)...)

	currentStep := int64(-1)
	var currentRow []string
	for _, point := range points {
		step := int64(point.Step)
		if step != currentStep {
			if currentStep != -1 {
				table.Row(currentRow...)
			}
			currentStep = step
			currentRow = make([]string, 1+len(order))
			currentRow[0] = humanize.Comma(step)
		}
		currentRow[columns[point.Short]] = fmt.Sprintf("%f", point.Value)
	}
	if currentStep != -1 {
		table.Row(currentRow...)
	}
	fmt.Println(table.Render())
}
