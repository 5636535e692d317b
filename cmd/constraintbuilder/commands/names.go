package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/openwind/constraintbuilder/internal/pipeline"
)

// NamesCmd implements the 'names' command.
type NamesCmd struct {
	ParamFlags `embed:""`
}

func (n *NamesCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	bp, names, err := pipeline.New(*cfg).Names(context.Background(), n.options())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s  prefix=%q  bucket=%s\n", bp, bp.Prefix(), bp.Bucket())
	renderNames(os.Stdout, names)
	return nil
}

func renderNames(w io.Writer, names []pipeline.Name) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Node", "Kind", "Stage", "Table", "Files"})
	for _, n := range names {
		tw.AppendRow(table.Row{n.Node, n.Kind, n.Stage, n.Table, strings.Join(n.Files, " ")})
	}
	tw.Render()
}
