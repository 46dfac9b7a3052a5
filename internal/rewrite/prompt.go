package rewrite

import (
    "fmt"
    "strings"

    "github.com/hyperifyio/gorewrite/internal/extract"
)

// DefaultTheme is the comedic register used when none is configured.
const DefaultTheme = "a humorous, Star Wars-themed science fiction version"

// DefaultMinSegmentWords is the length under which segments must come back unchanged.
const DefaultMinSegmentWords = 3

// buildSystemMessage renders the fixed rewrite instruction for a theme.
func buildSystemMessage(theme string, minWords int) string {
    if strings.TrimSpace(theme) == "" {
        theme = DefaultTheme
    }
    var sb strings.Builder
    sb.WriteString("Transform the provided content into ")
    sb.WriteString(theme)
    sb.WriteString(", but respect the original content's integrity.\n\n")
    sb.WriteString("# Instructions\n")
    sb.WriteString("1. **Add themed elements:** Humorously weave in references that fit the theme while keeping the intent of each segment.\n")
    sb.WriteString("2. **Keep structure and names:** Do NOT change personal names. Keep the original segment structure intact. Do NOT insert new segments, merge segments, or split existing segments.\n")
    sb.WriteString("3. **Maintain spacing and length:** Keep the original spacing at the start and end of each segment and keep each segment roughly the same length.\n")
    fmt.Fprintf(&sb, "4. **Leave short segments alone:** Return any segment with fewer than %d words exactly as given.\n\n", minWords)
    sb.WriteString("# Output Format\n")
    fmt.Fprintf(&sb, "Return the transformed text with the same partitioning structure using '%s'.", extract.Separator)
    return sb.String()
}
