package workflow

import (
	"bytes"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/billing_jobs/models"
)

// RenderInvoicePdf emits a minimal single-page PDF (Helvetica, A4) with the
// invoice summary lines. The document is deterministic for a given invoice
// row, so a redelivered job overwrites the artifact with identical bytes.
func RenderInvoicePdf(inv *models.Invoice) []byte {
	lines := []string{
		fmt.Sprintf("Invoice %s", inv.InvoiceNumber),
		fmt.Sprintf("Billed to: %s", inv.CustomerName),
		fmt.Sprintf("Issued: %s", inv.IssuedAt.Format("2006-01-02")),
		fmt.Sprintf("Total: %s %s", inv.CurrencyCode, inv.Total.StringFixed(2)),
	}

	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 16 TL 50 780 Td\n")
	for i, l := range lines {
		if i > 0 {
			content.WriteString("T*\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", escapePdfText(l))
	}
	content.WriteString("ET")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefPos)
	return buf.Bytes()
}

func escapePdfText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	return r.Replace(s)
}
