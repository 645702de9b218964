// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pyramidnet_checkpoints inspects checkpoint directories written by
// pyramidnet_train.
//
// It prints reports on the model stored in a checkpoint: a summary with the
// configuration, sizes and estimated compute cost, the hyperparameters, the
// variables with simple value statistics and the training metrics collected
// for plotting:
//
//	pyramidnet_checkpoints --summary --metrics ~/work/pyramidnet/base_c10
//
// The tool runs on the pure Go backend, so it works on checkpoints of models
// trained elsewhere without any accelerator setup.
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
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pyramidnet"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	flagScope = flag.String("scope", "/model", "Scope of the variables to report. The context also holds optimizer "+
		"and metric state, this restricts --summary and --vars to the model itself. Set to \"\" for everything.")

	flagSummary = flag.Bool("summary", false, "Prints a summary of the checkpoint: global step, model "+
		"configuration, sizes and estimated compute cost. Default if no other report is selected.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under --scope, with their shapes and value statistics.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q, one row per global step.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names (or short names) to "+
		"include in the metrics report. Their order defines the column order.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separated list of metric types to include in the metrics report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [flags] <checkpoint directory>\n\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagMetrics {
		*flagSummary = true
	}
	report(flag.Arg(0))
}

func report(checkpointPath string) {
	ctx := context.New()
	if *flagSummary || *flagParams || *flagVars {
		_ = check1(checkpoints.Build(ctx).
			Dir(checkpointPath).Immediate().Done())
	}
	scopedCtx := ctx
	if *flagScope != "" {
		scopedCtx = ctx.InAbsPath(*flagScope)
	}

	if *flagSummary {
		summary(ctx, scopedCtx, checkpointPath)
	}
	if *flagParams {
		listParams(ctx)
	}
	if *flagVars {
		listVariables(scopedCtx)
	}
	if *flagMetrics {
		listMetrics(checkpointPath)
	}
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// newPlainTable creates a table with alternating row styles. Columns beyond
// the given alignments reuse the last one, default is left aligned.
func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			s := oddRowStyle
			if row%2 == 1 {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// summary prints the global step and the variable counts under --scope. If
// the checkpoint holds pyramidnet hyperparameters it also describes the model
// and its estimated cost, see Model.Cost.
func summary(ctx, scopedCtx *context.Context, checkpointPath string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	table.Row("scope", *flagScope)
	table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))

	var numVars, totalSize int
	var totalMemory uintptr
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))

	if _, found := ctx.GetParam(pyramidnet.ParamDataset); found {
		model := pyramidnet.NewFromContext(ctx)
		table.Row("model", fmt.Sprintf("%s depth=%d widen=%d scales=%d shortcut=%s",
			model.Dataset, model.Depth, model.WidenFactor, model.PyramidScales, model.Shortcut))
		size := model.Dataset.InputSize()
		channels := 3
		if model.Dataset == pyramidnet.ImageNet {
			if imgSize := context.GetParamOr(ctx, "image_size", 0); imgSize > 0 {
				size = imgSize
			}
			channels = 4 // Image folder datasets yield RGBA.
		}
		table.Row("est. cost", model.Cost(size, size, channels).String())
	}
	fmt.Println(table.Render())
}

func listParams(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	table := newPlainTable(lipgloss.Left)
	table.Headers("Scope", "Name", "Type", "Value")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

// listVariables prints the variables under --scope sorted by scope and name.
// For float variables it also reports the mean absolute value (MAV), the root
// mean square (RMS) and the max absolute value (MaxAV), for scalars the value
// itself.
func listVariables(scopedCtx *context.Context) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", scopedCtx.Scope())))
	statsFn := MustNewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)

	var rows [][]string
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			return
		}
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%v", check1(v.Value()).Value())
		} else if shape.DType.IsFloat() {
			stats := statsFn.MustExec(check1(v.Value()))
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

// listMetrics prints the metrics collected for plotting during training, one
// row per global step and one column per metric. --metrics_names and
// --metrics_types restrict and order the columns.
func listMetrics(checkpointPath string) {
	metricsPath := path.Join(checkpointPath, plots.TrainingPlotFileName)
	points := check1(plots.LoadPoints(metricsPath))
	if len(points) == 0 {
		klog.Warningf("No metrics found in %q", metricsPath)
		return
	}
	fmt.Println(titleStyle.Render("Metrics"))

	var wantNames, wantTypes sets.Set[string]
	if *flagMetricsNames != "" {
		wantNames = sets.Make[string]()
		wantNames.Insert(strings.Split(*flagMetricsNames, ",")...)
	}
	if *flagMetricsTypes != "" {
		wantTypes = sets.Make[string]()
		wantTypes.Insert(strings.Split(*flagMetricsTypes, ",")...)
	}

	// Select the metrics to display, keyed by their short names.
	nameToShort := make(map[string]string)
	selected := sets.Make[string]()
	for _, point := range points {
		nameToShort[point.MetricName] = point.Short
		if wantNames != nil || wantTypes != nil {
			foundName := wantNames != nil && (wantNames.Has(point.MetricName) || wantNames.Has(point.Short))
			foundType := wantTypes != nil && wantTypes.Has(point.MetricType)
			if !foundName && !foundType {
				continue
			}
		}
		selected.Insert(point.Short)
	}

	// Column per metric: first those given in --metrics_names, in order, then
	// the remaining ones alphabetically. Column 0 is the global step.
	columns := make(map[string]int)
	nextCol := 1
	if *flagMetricsNames != "" {
		for _, name := range strings.Split(*flagMetricsNames, ",") {
			if short, found := nameToShort[name]; found {
				name = short
			}
			if _, taken := columns[name]; !taken && selected.Has(name) {
				columns[name] = nextCol
				nextCol++
			}
		}
	}
	for _, short := range xslices.SortedKeys(selected) {
		if _, taken := columns[short]; !taken {
			columns[short] = nextCol
			nextCol++
		}
	}

	header := make([]string, 1+len(columns))
	header[0] = "Global Step"
	for short, col := range columns {
		header[col] = short
	}
	table := newPlainTable(lipgloss.Right)
	table.Headers(header...)

	currentStep := int64(-1)
	var currentRow []string
	for _, point := range points {
		step := int64(point.Step)
		if step != currentStep {
			if currentStep >= 0 {
				table.Row(currentRow...)
			}
			currentStep = step
			currentRow = make([]string, 1+len(columns))
			currentRow[0] = humanize.Comma(step)
		}
		col, found := columns[point.Short]
		if !found {
			continue
		}
		if point.MetricType == "accuracy" {
			currentRow[col] = fmt.Sprintf("%.2f%%", 100.0*point.Value)
		} else {
			currentRow[col] = fmt.Sprintf("%f", point.Value)
		}
	}
	if currentStep >= 0 {
		table.Row(currentRow...)
	}
	fmt.Println(table.Render())
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
