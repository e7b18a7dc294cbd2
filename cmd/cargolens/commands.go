// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cargolens/services/cargolens/cargo"
	"github.com/AleutianAI/cargolens/services/cargolens/config"
	"github.com/AleutianAI/cargolens/services/cargolens/lsp"
)

// parsePosition reads the <line> <col> arguments.
func parsePosition(lineArg, colArg string) (int, int, error) {
	line, err := strconv.Atoi(lineArg)
	if err != nil || line < 1 {
		return 0, 0, fmt.Errorf("line must be a positive integer, got %q", lineArg)
	}
	col, err := strconv.Atoi(colArg)
	if err != nil || col < 0 {
		return 0, 0, fmt.Errorf("column must be a non-negative integer, got %q", colArg)
	}
	return line, col, nil
}

// =============================================================================
// CODE INTELLIGENCE
// =============================================================================

func newHoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hover <path> <line> <col>",
		Short: "Show type and documentation for the symbol at a position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, col, err := parsePosition(args[1], args[2])
			if err != nil {
				return err
			}
			root, err := a.root()
			if err != nil {
				return err
			}
			info, err := a.svc.Hover(cmd.Context(), root, args[0], line, col)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), info, func(w io.Writer) { printHover(w, info) })
		},
	}
}

func newReferencesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "references <path> <line> <col>",
		Aliases: []string{"refs"},
		Short:   "List every use of the symbol at a position",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, col, err := parsePosition(args[1], args[2])
			if err != nil {
				return err
			}
			root, err := a.root()
			if err != nil {
				return err
			}
			refs, err := a.svc.References(cmd.Context(), root, args[0], line, col)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), refs, func(w io.Writer) {
				for _, r := range refs {
					fmt.Fprintf(w, "%s:%d:%d\t%s\n", r.Path, r.Line, r.Col, r.Preview)
				}
			})
		},
	}
}

func newImplCmd(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:     "impl <path> <line> <col>",
		Aliases: []string{"implementation"},
		Short:   "List implementations of the trait or type at a position",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, col, err := parsePosition(args[1], args[2])
			if err != nil {
				return err
			}
			root, err := a.root()
			if err != nil {
				return err
			}
			impls, err := a.svc.Implementation(cmd.Context(), root, args[0], line, col)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), impls, func(w io.Writer) {
				printImplementations(w, impls, full)
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print the content of each implementing file")
	return cmd
}

func newSymbolCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "symbol <name>",
		Short: "Find a workspace symbol by name and show its hover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			match, err := a.svc.FindSymbol(cmd.Context(), root, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), match, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\t%s:%d:%d\n", match.Kind, match.Name, match.Path, match.Line, match.Col)
				if match.Hover != nil {
					fmt.Fprintln(w)
					printHover(w, match.Hover)
				}
			})
		},
	}
}

// =============================================================================
// DOCUMENTATION
// =============================================================================

func newDocsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "docs <dependency> [symbol]",
		Short: "Show dependency documentation, building it on first use",
		Long: `Show the documentation of a dependency symbol as markdown.

The symbol may be a full path (serde::de::Deserialize) or a suffix
(Deserialize). Without a symbol the crate overview is shown.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			symbol := ""
			if len(args) == 2 {
				symbol = args[1]
			}
			doc, err := a.svc.GetDocs(cmd.Context(), root, args[0], symbol)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), doc, func(w io.Writer) {
				fmt.Fprintln(w, doc.Markdown)
			})
		},
	}
}

func newRebuildDocsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-docs <dependency>",
		Short: "Discard cached documentation for a dependency and build it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			n, err := a.svc.RebuildDocs(cmd.Context(), root, args[0])
			if err != nil {
				return err
			}
			result := map[string]any{"dependency": args[0], "entries": n}
			return a.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Documented %s: %d entries\n", args[0], n)
			})
		},
	}
}

func newSymbolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <dependency>",
		Short: "List the documented symbols of a dependency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			symbols, err := a.svc.DocSymbols(cmd.Context(), root, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), symbols, func(w io.Writer) {
				for _, s := range symbols {
					if s == "" {
						s = "(overview)"
					}
					fmt.Fprintln(w, s)
				}
			})
		},
	}
}

// =============================================================================
// CARGO
// =============================================================================

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run cargo check in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			res, err := a.svc.CheckProject(cmd.Context(), root)
			if err != nil {
				return err
			}
			return a.printCargo(cmd, res)
		},
	}
}

func newTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run cargo test in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			res, err := a.svc.TestProject(cmd.Context(), root)
			if err != nil {
				return err
			}
			return a.printCargo(cmd, res)
		},
	}
}

// printCargo prints a cargo result and turns a failing run into the
// process exit status.
func (a *app) printCargo(cmd *cobra.Command, res *cargo.Result) error {
	err := a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
		fmt.Fprint(w, res.Output)
		fmt.Fprintf(w, "\n%s: exit %d, %d errors, %d warnings, %s\n",
			res.Command, res.ExitCode, res.Count("error"), res.Count("warning"), res.Duration.Round(time.Millisecond))
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func newProjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List configured projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects := a.svc.Projects()
			return a.print(cmd.OutOrStdout(), projects, func(w io.Writer) {
				for _, p := range projects {
					line := p.Root
					if len(p.IgnoreCrates) > 0 {
						line += "\tignore: " + strings.Join(p.IgnoreCrates, ", ")
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
}

func newIgnoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ignore [crate...]",
		Short: "Set the crates whose documentation is never built",
		Long: `Replace the documentation exclusion list of the project and save it
to the configuration file. With no crates the list is cleared.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.root()
			if err != nil {
				return err
			}
			if err := a.svc.SetIgnoreCrates(root, args); err != nil {
				return err
			}
			if err := config.Save(a.configFile, a.store.Config()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d excluded crates for %s\n", len(args), root)
			return nil
		},
	}
}

// =============================================================================
// RENDERING
// =============================================================================

func printHover(w io.Writer, info *lsp.HoverInfo) {
	if info.Container != "" {
		fmt.Fprintln(w, info.Container)
	}
	if info.Signature != "" {
		fmt.Fprintln(w, info.Signature)
	}
	if info.Documentation != "" {
		if info.Signature != "" || info.Container != "" {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, info.Documentation)
	}
}

func printImplementations(w io.Writer, impls []lsp.Implementation, full bool) {
	for i, impl := range impls {
		fmt.Fprintf(w, "%s:%d\n", impl.Path, impl.Line)
		if full {
			fmt.Fprintln(w, impl.Content)
			if i < len(impls)-1 {
				fmt.Fprintln(w)
			}
		}
	}
}
