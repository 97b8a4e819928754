package main

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/vrwarp/narrator/internal/ttypes"
)

var (
	voicesBackend  string
	voicesLanguage string
	voicesSearch   string

	voicesCmd = &cobra.Command{
		Use:     "voices",
		Short:   "List the voices of every speech engine",
		Long:    paragraph(fmt.Sprintf("\n%s the voices every configured speech engine offers. Engines that cannot be reached are skipped.", keyword("List"))),
		Example: paragraph("narrator voices\nnarrator voices --backend google --language en\nnarrator voices --search amy"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			voices, err := a.providers.Voices(cmd.Context())
			if err != nil {
				return err
			}
			voices = filterVoices(voices, voicesBackend, voicesLanguage, voicesSearch)
			if len(voices) == 0 {
				fmt.Println(dimStyle.Render("No voices found. Backends: " + strings.Join(a.providers.Backends(), ", ")))
				return nil
			}

			t := newTable("BACKEND", "ID", "LANGUAGE", "NAME")
			for _, v := range voices {
				id := v.ID
				if id == cfg.Voice {
					id += " *"
				}
				t.Row(v.BackendID, id, v.LanguageTag, v.DisplayName)
			}
			fmt.Println(t)
			return nil
		},
	}
)

func init() {
	voicesCmd.Flags().StringVarP(&voicesBackend, "backend", "b", "", "only list voices of this backend")
	voicesCmd.Flags().StringVarP(&voicesLanguage, "language", "l", "", "only list voices whose language tag starts with this")
	voicesCmd.Flags().StringVarP(&voicesSearch, "search", "s", "", "fuzzy match voice ids and names, best match first")
}

// voiceList adapts a voice slice for fuzzy matching.
type voiceList []ttypes.Voice

func (l voiceList) String(i int) string { return l[i].ID + " " + l[i].DisplayName }
func (l voiceList) Len() int            { return len(l) }

func filterVoices(voices []ttypes.Voice, backend, language, search string) []ttypes.Voice {
	var out voiceList
	for _, v := range voices {
		if backend != "" && v.BackendID != backend {
			continue
		}
		if language != "" && !strings.HasPrefix(strings.ToLower(v.LanguageTag), strings.ToLower(language)) {
			continue
		}
		out = append(out, v)
	}
	if search == "" {
		return out
	}

	matches := fuzzy.FindFrom(search, out)
	ranked := make([]ttypes.Voice, 0, len(matches))
	for _, m := range matches {
		ranked = append(ranked, out[m.Index])
	}
	return ranked
}
