package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/output"
)

var promptsOverwrite bool

// promptInfo is one row of 'prompts list'.
type promptInfo struct {
	Key         string   `json:"key" yaml:"key"`
	Description string   `json:"description" yaml:"description"`
	Variables   []string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Override    bool     `json:"override" yaml:"override"`
	Path        string   `json:"path,omitempty" yaml:"path,omitempty"`
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and override the analysis prompts",
	Long: `Every prompt is a Go template with an embedded default. Placing
<key>.tmpl in the prompts directory (~/.docnav/prompts or prompts.dir)
overrides it; a broken override falls back to the default with a warning.`,
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts and whether they are overridden",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		r := e.promptResolver()
		navigator.RegisterPrompts(r)

		var rows []promptInfo
		for _, p := range r.AllEmbedded() {
			resolved, err := r.Resolve(p.Key)
			if err != nil {
				return err
			}
			rows = append(rows, promptInfo{
				Key:         p.Key,
				Description: p.Description,
				Variables:   resolved.Variables,
				Override:    resolved.IsOverride,
				Path:        resolved.Path,
			})
		}
		return output.Print(rows)
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the prompt text in effect for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		r := e.promptResolver()
		navigator.RegisterPrompts(r)
		resolved, err := r.Resolve(args[0])
		if err != nil {
			return err
		}
		return output.Print(resolved)
	},
}

var promptsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the default prompts into the prompts directory for editing",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		r := e.promptResolver()
		navigator.RegisterPrompts(r)
		written, err := r.ExportAll(promptsOverwrite)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d prompts to %s\n", len(written), r.Dir())
		return output.Print(written)
	},
}

func init() {
	promptsExportCmd.Flags().BoolVar(&promptsOverwrite, "overwrite", false, "replace existing override files")

	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsShowCmd)
	promptsCmd.AddCommand(promptsExportCmd)
}
