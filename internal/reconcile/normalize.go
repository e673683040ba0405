// internal/reconcile/normalize.go
package reconcile

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/roomsync/internal/types"
)

// normalizeContent collapses whitespace runs to single spaces and
// case-folds, so content comparison survives the formatting drift between
// the two systems.
func normalizeContent(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// remoteText returns the canonical text of a remote message. Messages that
// carry an HTML formatted body are flattened to markdown; the plain body is
// the fallback. Both matching and persistence go through this, so a message
// stored from the converted form still matches itself on the next pass.
func remoteText(msg *types.RemoteMessage) string {
	if msg.FormattedBody != "" {
		if md, err := htmltomarkdown.ConvertString(msg.FormattedBody); err == nil {
			if text := strings.TrimSpace(md); text != "" {
				return text
			}
		}
	}
	return msg.Content
}
