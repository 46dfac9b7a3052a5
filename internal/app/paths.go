package app

import (
    "crypto/sha256"
    "encoding/hex"
    "net/url"
    "path/filepath"
    "regexp"
    "strings"
)

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// deriveOutputPath picks an output file when none was given. Files get a
// ".rewritten.html" sibling; URLs a stable name under "rewritten/" built from
// the host and path plus a short hash of the full URL; stdin goes to stdout.
func deriveOutputPath(input string) string {
    in := strings.TrimSpace(input)
    if in == "" || in == "-" {
        return "-"
    }
    u, err := url.Parse(in)
    if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
        ext := filepath.Ext(in)
        return strings.TrimSuffix(in, ext) + ".rewritten.html"
    }
    slug := slugify(u.Host + " " + u.Path)
    if slug == "" { slug = "page" }
    if len(slug) > 60 { slug = strings.Trim(slug[:60], "-") }
    h := sha256.Sum256([]byte(in))
    short := hex.EncodeToString(h[:])[:12]
    return filepath.Join("rewritten", slug+"-"+short+".html")
}

func slugify(s string) string {
    s = strings.ToLower(s)
    s = slugRe.ReplaceAllString(s, "-")
    return strings.Trim(s, "-")
}
