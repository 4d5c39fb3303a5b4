package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/parse"
)

func newRenderCmd() *cobra.Command {
	var (
		templateText string
		templateFile string
		vars         []string
		listVars     bool
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a prompt template with {variables}",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := templateText
			if text == "" {
				var err error
				text, err = readInput(cmd, templateFile)
				if err != nil {
					return err
				}
			}
			if listVars {
				names, err := framework.ExtractVariables(text)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			out, err := framework.NewPromptTemplate(text, values).Render()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&templateText, "template", "t", "", "Template text (default: read --file or stdin)")
	cmd.Flags().StringVarP(&templateFile, "file", "f", "", "Template file")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Variable as name=value (repeatable)")
	cmd.Flags().BoolVar(&listVars, "list", false, "Print the template's variable names instead of rendering")
	return cmd
}

func newParseCmd() *cobra.Command {
	var (
		parserName string
		aliases    []string
	)
	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a model reply into JSON",
		Long:  "Parse a model reply read from file or stdin. Parsers: " + strings.Join(parse.Names(), ", ") + ".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			reply, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			parser, err := replyParser(parserName, aliases)
			if err != nil {
				return err
			}
			if parser == nil {
				return errors.New("parser required")
			}
			result, err := parser.ParseReply(reply)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVarP(&parserName, "parser", "p", "markdown", "Reply parser")
	cmd.Flags().StringSliceVar(&aliases, "plaintext-alias", nil, "Section keys folded into plain text (markdown parser)")
	return cmd
}

// replyParser resolves a parser name; aliases only apply to markdown.
func replyParser(name string, aliases []string) (framework.ReplyParser, error) {
	switch {
	case name == "" || name == "none":
		return nil, nil
	case name == "markdown":
		return parse.NewMarkdownParser(aliases...), nil
	case len(aliases) > 0:
		return nil, errors.New("plaintext aliases only apply to the markdown parser")
	default:
		return parse.ByName(name)
	}
}
