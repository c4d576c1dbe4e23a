package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"time"

	"origin/pkg/models"
)

// renderInput is everything a Renderer needs to produce one artifact;
// Signals is nil when a certificate's risk_signals row is (unexpectedly)
// absent, which every Renderer must tolerate rather than panic on.
type renderInput struct {
	Certificate models.Certificate
	Upload      models.Upload
	Ledger      models.LedgerEvent
	Signals     *models.RiskSignals
}

// Renderer produces one evidence artifact format. json and html are
// rendered in-process, directly from persisted fields; a real pdf layout
// engine is an external collaborator — pdfRenderer below ships a minimal,
// deterministic stand-in so the rest of the pipeline (hashing, storage,
// signed URLs) can be exercised without one.
type Renderer interface {
	Render(in renderInput) (data []byte, contentType string, err error)
}

// renderers is the fixed set of supported evidence formats; an unknown
// format is a validation error at enqueue time (see normalizeFormats and
// Service.Enqueue), not a worker-time failure.
var renderers = map[string]Renderer{
	"json": jsonRenderer{},
	"html": htmlRenderer{},
	"pdf":  pdfRenderer{},
}

// SupportedFormats reports every format name enqueue will accept.
func SupportedFormats() []string {
	out := make([]string, 0, len(renderers))
	for name := range renderers {
		out = append(out, name)
	}
	return out
}

// ContentTypeForFormat reports the MIME type an artifact of the given
// format is served with; the download endpoint uses it when streaming
// blobs directly.
func ContentTypeForFormat(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "html":
		return "text/html; charset=utf-8"
	case "pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

type jsonRenderer struct{}

func (jsonRenderer) Render(in renderInput) ([]byte, string, error) {
	doc := map[string]interface{}{
		"certificate_id":  in.Certificate.CertificateID,
		"tenant_id":       in.Certificate.TenantID,
		"upload_id":       in.Upload.ID,
		"external_id":     in.Upload.ExternalID,
		"decision":        in.Upload.Decision,
		"policy_version":  in.Certificate.PolicyVersion,
		"inputs_hash":     in.Certificate.InputsHash,
		"outputs_hash":    in.Certificate.OutputsHash,
		"ledger_hash":     in.Certificate.LedgerHash,
		"tenant_sequence": in.Ledger.TenantSequence,
		"key_id":          in.Certificate.KeyID,
		"alg":             in.Certificate.Alg,
		"issued_at":       in.Certificate.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
	if in.Signals != nil {
		doc["signals"] = map[string]interface{}{
			"risk":                  in.Signals.Risk,
			"assurance":             in.Signals.Assurance,
			"anomaly":               in.Signals.Anomaly,
			"synthetic_likelihood":  in.Signals.SyntheticLikelihood,
			"risk_model_version":    in.Signals.RiskModelVersion,
			"anomaly_model_version": in.Signals.AnomalyModelVersion,
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("evidence: render json: %w", err)
	}
	return data, "application/json", nil
}

type htmlRenderer struct{}

func (htmlRenderer) Render(in renderInput) ([]byte, string, error) {
	var buf bytes.Buffer
	buf.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><title>Evidence Pack</title></head><body>")
	fmt.Fprintf(&buf, "<h1>Decision Certificate</h1><p>%s</p>", html.EscapeString(in.Certificate.CertificateID))
	fmt.Fprintf(&buf, "<p>Tenant: %s</p>", html.EscapeString(in.Certificate.TenantID))
	fmt.Fprintf(&buf, "<p>Upload: %s (external id %s)</p>", html.EscapeString(in.Upload.ID), html.EscapeString(in.Upload.ExternalID))
	fmt.Fprintf(&buf, "<p>Decision: %s</p>", html.EscapeString(in.Upload.Decision))
	fmt.Fprintf(&buf, "<p>Policy version: %s</p>", html.EscapeString(in.Certificate.PolicyVersion))
	fmt.Fprintf(&buf, "<p>Ledger hash: %s (tenant sequence %d)</p>", html.EscapeString(in.Certificate.LedgerHash), in.Ledger.TenantSequence)
	fmt.Fprintf(&buf, "<p>Inputs hash: %s</p><p>Outputs hash: %s</p>", html.EscapeString(in.Certificate.InputsHash), html.EscapeString(in.Certificate.OutputsHash))
	if in.Signals != nil {
		fmt.Fprintf(&buf, "<p>Risk %.4f &middot; Assurance %.4f &middot; Anomaly %.4f &middot; Synthetic likelihood %.4f</p>",
			in.Signals.Risk, in.Signals.Assurance, in.Signals.Anomaly, in.Signals.SyntheticLikelihood)
	}
	buf.WriteString("</body></html>")
	return buf.Bytes(), "text/html; charset=utf-8", nil
}

// pdfRenderer emits a minimal but structurally valid single-page PDF: one
// page of Helvetica text listing the fields htmlRenderer shows except the
// ledger tenant sequence, assembled by hand rather than via a layout library. The byte stream is
// deterministic for identical input, which is all the hashing/storage
// pipeline requires of it.
type pdfRenderer struct{}

func (pdfRenderer) Render(in renderInput) ([]byte, string, error) {
	lines := []string{
		"Evidence Pack",
		fmt.Sprintf("Certificate: %s", in.Certificate.CertificateID),
		fmt.Sprintf("Tenant: %s", in.Certificate.TenantID),
		fmt.Sprintf("Upload: %s (%s)", in.Upload.ID, in.Upload.ExternalID),
		fmt.Sprintf("Decision: %s", in.Upload.Decision),
		fmt.Sprintf("Policy version: %s", in.Certificate.PolicyVersion),
		fmt.Sprintf("Ledger hash: %s", in.Certificate.LedgerHash),
		fmt.Sprintf("Inputs hash: %s", in.Certificate.InputsHash),
		fmt.Sprintf("Outputs hash: %s", in.Certificate.OutputsHash),
	}
	if in.Signals != nil {
		lines = append(lines, fmt.Sprintf("Risk %.4f / Assurance %.4f / Anomaly %.4f / Synthetic %.4f",
			in.Signals.Risk, in.Signals.Assurance, in.Signals.Anomaly, in.Signals.SyntheticLikelihood))
	}
	return buildMinimalPDF(lines), "application/pdf", nil
}

// buildMinimalPDF writes a single-page PDF/1.4 document by hand: a page
// tree, one content stream positioning each line with Tj operators, and
// Helvetica as the only font. No compression, no external assets —
// structurally valid and byte-for-byte deterministic given the same lines.
func buildMinimalPDF(lines []string) []byte {
	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 72 760 Td 16 TL\n")
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", pdfEscape(line))
	}
	content.WriteString("ET")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, 5)

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 5 0 R >> >> /MediaBox [0 0 612 792] /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	for i, obj := range objects {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", len(objects)+1, xrefStart)

	return buf.Bytes()
}

func pdfEscape(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch r {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}
