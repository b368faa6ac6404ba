package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phaseflow/internal/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check pipeline definition files",
		Long: `Parse pipeline definitions and build them without running anything. Cycles,
unknown dependencies, duplicate names and malformed identifiers are reported.

Examples:
  phaseflow validate pipelines/review.toml
  phaseflow validate pipelines/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := definitionFiles(args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range files {
				def, err := definition.LoadFile(path)
				if err == nil {
					err = def.Validate()
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s %s\n    %s\n", failStyle.Render("✗"), path, err)
					continue
				}
				fmt.Fprintf(out, "%s %s %s\n", okStyle.Render("✓"), path,
					mutedStyle.Render(fmt.Sprintf("(%s, %d phases)", def.Name, len(def.Phases))))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(files))
			}
			return nil
		},
	}
}

// definitionFiles expands directories into their *.toml files.
func definitionFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.toml"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errors.New("no definition files found")
	}
	return files, nil
}
