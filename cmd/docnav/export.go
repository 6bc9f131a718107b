package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docnav/internal/export"
	"github.com/jackzampolin/docnav/internal/output"
)

var (
	exportResult string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <file.pdf>",
	Short: "Write a navigable copy of an analyzed PDF",
	Long: `Write a copy of the PDF whose outline links the table of contents, the
statements, every note definition and every resolved reference.

Reads the result saved by 'docnav analyze' unless --result is given
(JSON, or YAML when the file ends in .yaml).

Examples:
  docnav export report.pdf
  docnav export report.pdf --result result.json --out linked.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		e, err := loadEnv()
		if err != nil {
			return err
		}

		resultPath := exportResult
		if resultPath == "" {
			resultPath = e.home.ResultPath(path)
		}
		doc, err := export.LoadDocument(resultPath)
		if err != nil {
			return fmt.Errorf("%w (run 'docnav analyze %s' first)", err, path)
		}

		out := exportOut
		if out == "" {
			out = e.home.ExportPath(path)
		}
		res, err := export.Write(path, out, doc, export.Options{Logger: e.logger})
		if err != nil {
			return err
		}
		return output.Print(res)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportResult, "result", "", "analysis result to export (default: ~/.docnav/runs/<name>.result.json)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output PDF (default: ~/.docnav/exports/<name>.linked.pdf)")
}
