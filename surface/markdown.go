package surface

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Markdown converts rendered widget HTML for terminal display. Relative
// links resolve against domain; an empty domain leaves them as is.
func Markdown(html, domain string) (string, error) {
	md, err := mdConverter.ConvertString(html, converter.WithDomain(domain))
	if err != nil {
		return "", fmt.Errorf("surface: markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// WidgetsMarkdown renders every widget snapshot and joins the Markdown.
func WidgetsMarkdown(ws []Widget, domain string) (string, error) {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		h, err := Render(w)
		if err != nil {
			return "", err
		}
		md, err := Markdown(h, domain)
		if err != nil {
			return "", err
		}
		parts = append(parts, "## "+w.ID+"\n\n"+md)
	}
	return strings.Join(parts, "\n\n"), nil
}
