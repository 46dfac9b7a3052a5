package report

import (
    "bufio"
    "fmt"
    "strings"

    "github.com/jung-kurt/gofpdf"
)

// WritePDF renders s as a basic A4 document. Headings get a bold font, every
// other line is a wrapped paragraph.
func WritePDF(s Summary, outPath string) error {
    pdf := gofpdf.New("P", "mm", "A4", "")
    // Core fonts are cp1252; map UTF-8 input onto it.
    tr := pdf.UnicodeTranslatorFromDescriptor("")
    pdf.SetTitle(tr(s.Title), false)
    pdf.SetFont("Helvetica", "", 11)
    pdf.AddPage()

    scanner := bufio.NewScanner(strings.NewReader(s.Markdown()))
    scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
    for scanner.Scan() {
        line := strings.TrimSpace(scanner.Text())
        if line == "" {
            pdf.Ln(3)
            continue
        }
        if strings.HasPrefix(line, "#") {
            i := 0
            for i < len(line) && line[i] == '#' { i++ }
            text := strings.TrimSpace(line[i:])
            if text == "" { continue }
            size := 16.0
            switch i {
            case 2:
                size = 13.0
            case 3:
                size = 11.5
            }
            pdf.SetFont("Helvetica", "B", size)
            pdf.MultiCell(0, 7, tr(text), "", "L", false)
            pdf.SetFont("Helvetica", "", 11)
            continue
        }
        pdf.MultiCell(0, 5, tr(line), "", "L", false)
    }
    if err := scanner.Err(); err != nil {
        return fmt.Errorf("render report: %w", err)
    }
    return pdf.OutputFileAndClose(outPath)
}
