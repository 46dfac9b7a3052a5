package app

import (
    "strconv"
    "strings"
)

// reproInfo is recorded in the output so a rewritten page can be traced back
// to the run and services that produced it.
type reproInfo struct {
    RunID         string
    Model         string
    LLMBaseURL    string
    ImageURL      string
    Segments      int
    Images        int
    HTTPCache     bool
    ResponseCache bool
    DryRun        bool
}

// appendReproComment inserts a deterministic HTML comment just before the
// closing body tag, or at the end when there is none.
func appendReproComment(page string, info reproInfo) string {
    var b strings.Builder
    b.WriteString("<!-- gorewrite: ")
    b.WriteString("run_id=")
    b.WriteString(safeComment(info.RunID))
    b.WriteString("; model=")
    b.WriteString(safeComment(info.Model))
    b.WriteString("; llm_base_url=")
    b.WriteString(safeComment(info.LLMBaseURL))
    b.WriteString("; image_url=")
    b.WriteString(safeComment(info.ImageURL))
    b.WriteString("; segments=")
    b.WriteString(strconv.Itoa(info.Segments))
    b.WriteString("; images=")
    b.WriteString(strconv.Itoa(info.Images))
    b.WriteString("; http_cache=")
    b.WriteString(strconv.FormatBool(info.HTTPCache))
    b.WriteString("; response_cache=")
    b.WriteString(strconv.FormatBool(info.ResponseCache))
    b.WriteString("; dry_run=")
    b.WriteString(strconv.FormatBool(info.DryRun))
    b.WriteString(" -->")
    comment := b.String()

    if i := strings.LastIndex(strings.ToLower(page), "</body>"); i >= 0 {
        return page[:i] + comment + "\n" + page[i:]
    }
    return page + "\n" + comment + "\n"
}

// safeComment keeps values from terminating the comment early.
func safeComment(s string) string {
    s = strings.TrimSpace(s)
    s = strings.ReplaceAll(s, "--", "-")
    return strings.ReplaceAll(s, ">", "")
}
