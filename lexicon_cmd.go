package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vrwarp/narrator/internal/lexicon"
)

var (
	lexiconBook   string
	lexiconRegex  bool
	lexiconScope  string
	lexiconSystem bool
	lexiconLabel  string
	lexiconFirst  bool

	lexiconCmd = &cobra.Command{
		Use:   "lexicon",
		Short: "Manage pronunciation rules",
		Long: paragraph(fmt.Sprintf("\n%s how words are pronounced. Rules rewrite text before it is spoken: "+
			"book rules apply to one book, global rules to every book.", keyword("Change"))),
		Example: paragraph("narrator lexicon add Nginx \"engine x\"\nnarrator lexicon add --book my-book --regex '\\bDr\\.' Doctor\nnarrator lexicon test \"Dr. Who runs Nginx\""),
		Args:    cobra.NoArgs,
	}

	lexiconListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			rules, err := openRules(cfg)
			if err != nil {
				return err
			}
			scope, err := lexiconScopeFlag()
			if err != nil {
				return err
			}

			list := rules.Rules(scope, lexiconBook)
			if lexiconSystem {
				list = append(list, lexicon.SystemDefaults()...)
			}
			if len(list) == 0 {
				fmt.Println(dimStyle.Render("No rules yet. Add one with `narrator lexicon add`."))
				return nil
			}

			t := newTable("ID", "SCOPE", "BOOK", "ORIGINAL", "REPLACEMENT", "REGEX")
			for _, r := range list {
				regex := ""
				if r.IsRegex {
					regex = "yes"
				}
				t.Row(shortID(r.ID), string(r.Scope), r.BookID, r.Pattern, r.Replacement, regex)
			}
			fmt.Println(t)
			return nil
		},
	}

	lexiconAddCmd = &cobra.Command{
		Use:   "add ORIGINAL REPLACEMENT",
		Short: "Add a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			rules, err := openRules(cfg)
			if err != nil {
				return err
			}

			r := lexicon.Rule{
				Pattern:     args[0],
				Replacement: args[1],
				IsRegex:     lexiconRegex,
				Scope:       lexicon.ScopeGlobal,
				Label:       lexiconLabel,
			}
			if lexiconBook != "" {
				r.Scope = lexicon.ScopeBook
				r.BookID = lexiconBook
				if lexiconFirst {
					r.Priority = lexicon.BeforeGlobal
				}
			}
			if err := lexicon.NewEngine(nil).Compile(r); err != nil {
				return err
			}

			added, err := rules.Add(r)
			if err != nil {
				return err
			}
			if err := rules.Save(); err != nil {
				return err
			}
			fmt.Printf("Added %s %s\n", keyword(shortID(added.ID)), added)
			return nil
		},
	}

	lexiconRemoveCmd = &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove a rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rules, err := openRules(cfg)
			if err != nil {
				return err
			}
			id, err := matchRuleID(rules.Rules("", ""), args[0])
			if err != nil {
				return err
			}
			if err := rules.Remove(id); err != nil {
				return err
			}
			if err := rules.Save(); err != nil {
				return err
			}
			fmt.Println("Removed", shortID(id))
			return nil
		},
	}

	lexiconTestCmd = &cobra.Command{
		Use:   "test TEXT",
		Short: "Show how each rule rewrites a text",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rules, err := openRules(cfg)
			if err != nil {
				return err
			}

			out, steps := lexicon.NewEngine(nil).Trace(args[0], rules.Resolve(lexiconBook))
			for _, s := range steps {
				switch {
				case s.Err != nil:
					fmt.Println(errorStyle.Render(fmt.Sprintf("%s: %v", s.Rule, s.Err)))
				case s.Changed():
					fmt.Printf("%s  %s\n", s.Rule, dimStyle.Render(fmt.Sprintf("%d× %q", s.Matches, s.After)))
				}
			}
			fmt.Println(keyword(out))
			return nil
		},
	}

	lexiconImportCmd = &cobra.Command{
		Use:   "import FILE.csv",
		Short: "Import rules from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rules, err := openRules(cfg)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("unable to open %s: %w", args[0], err)
			}
			defer f.Close() //nolint:errcheck

			scope := lexicon.ScopeGlobal
			if lexiconBook != "" {
				scope = lexicon.ScopeBook
			}
			imported, err := lexicon.ImportCSV(f, scope, lexiconBook)
			if err != nil {
				return err
			}
			n, err := rules.AddAll(imported)
			if err != nil {
				return err
			}
			if err := rules.Save(); err != nil {
				return err
			}
			fmt.Printf("Imported %d rules\n", n)
			return nil
		},
	}

	lexiconExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write rules as CSV to stdout",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			rules, err := openRules(cfg)
			if err != nil {
				return err
			}
			scope, err := lexiconScopeFlag()
			if err != nil {
				return err
			}
			return lexicon.ExportCSV(os.Stdout, rules.Rules(scope, lexiconBook))
		},
	}

	lexiconSampleCmd = &cobra.Command{
		Use:   "sample",
		Short: "Print a sample CSV file for import",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Print(lexicon.SampleCSV)
		},
	}
)

func init() {
	lexiconCmd.PersistentFlags().StringVar(&lexiconBook, "book", "", "book id the rules belong to")
	lexiconAddCmd.Flags().BoolVar(&lexiconRegex, "regex", false, "treat ORIGINAL as a regular expression")
	lexiconAddCmd.Flags().StringVar(&lexiconLabel, "label", "", "note shown next to the rule")
	lexiconAddCmd.Flags().BoolVar(&lexiconFirst, "before-global", false, "run this book rule ahead of the global rules")
	for _, c := range []*cobra.Command{lexiconListCmd, lexiconExportCmd} {
		c.Flags().StringVar(&lexiconScope, "scope", "", "only rules of this scope (global, book)")
	}
	lexiconListCmd.Flags().BoolVar(&lexiconSystem, "system", false, "include the built-in rules")

	lexiconCmd.AddCommand(lexiconListCmd, lexiconAddCmd, lexiconRemoveCmd, lexiconTestCmd,
		lexiconImportCmd, lexiconExportCmd, lexiconSampleCmd)
}

func lexiconScopeFlag() (lexicon.Scope, error) {
	switch s := lexicon.Scope(lexiconScope); s {
	case "", lexicon.ScopeGlobal, lexicon.ScopeBook:
		if s == "" && lexiconBook != "" {
			return lexicon.ScopeBook, nil
		}
		return s, nil
	default:
		return "", fmt.Errorf("unknown scope %q, use global or book", lexiconScope)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// matchRuleID resolves an id or an unambiguous id prefix.
func matchRuleID(rules []lexicon.Rule, prefix string) (string, error) {
	var found string
	for _, r := range rules {
		if r.ID == prefix {
			return r.ID, nil
		}
		if len(prefix) >= 4 && strings.HasPrefix(r.ID, prefix) {
			if found != "" {
				return "", fmt.Errorf("%q matches more than one rule", prefix)
			}
			found = r.ID
		}
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", lexicon.ErrRuleNotFound, prefix)
	}
	return found, nil
}
