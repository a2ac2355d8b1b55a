package normalize

import "strings"

// CategoryOther is the fallback bucket for unclassifiable sessions.
const CategoryOther = "Other"

// Categories is the closed set of session categories.
var Categories = []string{
	"Billing",
	"Technical Support",
	"Account",
	"Sales",
	"Shipping",
	"Returns",
	"Feedback",
	CategoryOther,
}

// categoryKeywords maps lowercased keywords to category buckets. First
// match wins, checked in the order of categoryOrder.
var categoryKeywords = map[string][]string{
	"Billing":           {"billing", "invoice", "payment", "refund", "charge", "factuur", "betaling", "subscription", "pricing"},
	"Technical Support": {"technical", "tech support", "bug", "error", "crash", "broken", "not working", "login issue", "storing", "defect"},
	"Account":           {"account", "password", "login", "profile", "wachtwoord", "sign in", "signin", "credentials", "2fa"},
	"Sales":             {"sales", "quote", "demo", "trial", "purchase", "buy", "offerte", "upgrade"},
	"Shipping":          {"shipping", "delivery", "track", "bezorging", "verzending", "package", "pakket"},
	"Returns":           {"return", "exchange", "retour", "ruilen", "rma"},
	"Feedback":          {"feedback", "complaint", "suggestion", "klacht", "compliment", "review"},
}

// categoryOrder fixes the match precedence; more specific buckets come
// before broader ones.
var categoryOrder = []string{
	"Billing",
	"Returns",
	"Shipping",
	"Technical Support",
	"Account",
	"Sales",
	"Feedback",
}

// Category classifies raw category text into the closed category set,
// defaulting to Other when no keyword matches. Exact (case-insensitive)
// matches against the canonical set win over keyword search.
func Category(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return CategoryOther
	}

	for _, c := range Categories {
		if strings.ToLower(c) == v {
			return c
		}
	}

	for _, c := range categoryOrder {
		for _, kw := range categoryKeywords[c] {
			if strings.Contains(v, kw) {
				return c
			}
		}
	}
	return CategoryOther
}
