package openai

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// defaultPromptTemplate is the system fallback used when a tenant has no
// template of its own. Tenant templates use the same {raw_text} placeholder.
const defaultPromptTemplate = `Extract the structured data of the invoice below.
Return a single JSON object with these keys:
invoice_number (string), invoice_date (string, YYYY-MM-DD), vendor_name (string),
amount_total (number), tax_total (number, optional), currency (string, ISO 4217, optional),
line_items (array of {description, quantity, unit_price, total}, optional).
Use null for values that are not present. No markdown, no extra keys.

Invoice text:
{raw_text}`

func renderPrompt(tpl *domain.Template, text, rejectionContext string) string {
	body := defaultPromptTemplate
	if tpl != nil && tpl.Body != "" {
		body = tpl.Body
	}

	prompt := strings.ReplaceAll(body, "{raw_text}", strings.TrimSpace(text))
	if !strings.Contains(body, "{raw_text}") {
		prompt = body + "\n\nInvoice text:\n" + strings.TrimSpace(text)
	}

	if rejectionContext != "" {
		prompt += "\n\nA previous extraction of this invoice was rejected with this feedback, take it into account:\n" + rejectionContext
	}
	return prompt
}

// promptFingerprint keys the response cache by everything that influences
// the model output.
func promptFingerprint(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}
