package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hisr/internal/logger"
	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/safetensors"
	"github.com/samcharles93/hisr/internal/swin"
)

func inspectCmd() *cli.Command {
	var (
		showParams   bool
		showTensors  bool
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the block layout of a model and the contents of a checkpoint",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{Name: "params", Usage: "list every parameter with its shape", Destination: &showParams},
			&cli.BoolFlag{Name: "tensors", Usage: "list the tensors stored in --weights", Destination: &showTensors},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for parameter and tensor listings", Destination: &tensorFilter},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, fileConfig(ctx))
			cfg, err := resolveModelConfig(c)
			if err != nil {
				return err
			}
			net, err := swin.NewNetwork(cfg, logger.FromContext(ctx))
			if err != nil {
				return err
			}
			out := os.Stdout
			fmt.Fprintf(out, "input  [B, %d, %d, %d]\n", cfg.InChans, cfg.ImgSize, cfg.ImgSize)
			fmt.Fprintf(out, "output %v\n", net.OutputShape(1)[1:])
			fmt.Fprintf(out, "params %d  flops %.3fG\n\n", nn.Count(net), float64(net.FLOPs())/1e9)
			renderBlocks(out, net)

			if showParams {
				fmt.Fprintln(out)
				renderParams(out, net, tensorFilter)
			}
			if showTensors {
				if weightsPath == "" {
					return fmt.Errorf("--tensors needs --weights")
				}
				f, err := safetensors.Open(weightsPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				fmt.Fprintln(out)
				renderTensors(out, f, tensorFilter)
			}
			return nil
		},
	}
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	return table
}

func renderBlocks(w io.Writer, net *swin.Network) {
	table := newTable(w, []string{"STAGE", "BLOCK", "BRANCH", "RES", "DIM", "HEADS", "WINDOW", "SHIFT", "KERNEL", "MFLOPS"})
	for i, st := range net.Stages {
		for j, b := range st.Blocks {
			cfg := b.Config()
			kernel := "-"
			if b.KA != nil {
				kernel = fmt.Sprintf("%s/%dw/%dk", b.KA.Variant, b.KA.Windows, b.KA.KernelSize)
			}
			table.Append([]string{
				fmt.Sprint(i), fmt.Sprint(j), string(cfg.Branch),
				fmt.Sprintf("%dx%d", cfg.Height, cfg.Width),
				fmt.Sprint(cfg.Dim), fmt.Sprint(cfg.Heads),
				fmt.Sprint(b.WindowSize()), fmt.Sprint(b.ShiftSize()),
				kernel, fmt.Sprintf("%.1f", float64(b.FLOPs())/1e6),
			})
		}
		if st.Downsample != nil {
			table.Append([]string{fmt.Sprint(i), "merge", "-", fmt.Sprintf("%dx%d", st.Resolution, st.Resolution),
				fmt.Sprintf("%d>%d", st.Dim, 2*st.Dim), "-", "-", "-", "-",
				fmt.Sprintf("%.1f", float64(st.Downsample.FLOPs())/1e6)})
		}
	}
	table.Render()
}

func renderParams(w io.Writer, net *swin.Network, filter string) {
	table := newTable(w, []string{"PARAMETER", "SHAPE", "COUNT"})
	for _, p := range net.Params("") {
		if filter != "" && !strings.Contains(p.Name, filter) {
			continue
		}
		table.Append([]string{p.Name, fmt.Sprint(p.T.Shape), fmt.Sprint(p.T.Numel())})
	}
	table.Render()
}

func renderTensors(w io.Writer, f *safetensors.File, filter string) {
	table := newTable(w, []string{"TENSOR", "DTYPE", "SHAPE", "BYTES"})
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		info, _ := f.Tensor(name)
		table.Append([]string{name, info.DType, fmt.Sprint(info.Shape), fmt.Sprint(info.End - info.Start)})
	}
	table.Render()
}
