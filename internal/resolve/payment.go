package resolve

import (
	"fmt"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/textmatch"
)

type PaymentMatch string

const (
	PaymentByLabel    PaymentMatch = "label"
	PaymentByKeyword  PaymentMatch = "mode_keyword"
	PaymentByFallback PaymentMatch = "fallback"
	PaymentByCashFlag PaymentMatch = "cash_flag"
)

const cashMode = 1

type PaymentResolver struct {
	keywords   map[int]string
	fallbackID int64
}

func NewPaymentResolver(keywords map[int]string, fallbackMethodID int64) *PaymentResolver {
	table := make(map[int]string, len(keywords))
	for mode, keyword := range keywords {
		table[mode] = keyword
	}
	return &PaymentResolver{keywords: table, fallbackID: fallbackMethodID}
}

// Resolve picks the session payment method for one checkout line. methods must
// be in session order; the first match in that order wins at every step.
func (r *PaymentResolver) Resolve(methods []domain.PaymentMethod, line domain.CheckoutLine) (domain.PaymentMethod, PaymentMatch, error) {
	if method, ok := matchJournal(methods, line.CardType); ok {
		return method, PaymentByLabel, nil
	}

	if keyword, ok := r.keywords[line.PaymentMode]; ok {
		if method, ok := matchJournal(methods, keyword); ok {
			return method, PaymentByKeyword, nil
		}
	}

	if r.fallbackID > 0 {
		for _, method := range methods {
			if method.ID == r.fallbackID {
				return method, PaymentByFallback, nil
			}
		}
	}

	if line.PaymentMode == cashMode {
		for _, method := range methods {
			if method.IsCashCount {
				return method, PaymentByCashFlag, nil
			}
		}
	}

	return domain.PaymentMethod{}, "", domain.Errorf(domain.KindPaymentMethodNotFound,
		"no payment method for PaymentMode=%d CardType=%q among %s", line.PaymentMode, line.CardType, methodNames(methods))
}

func matchJournal(methods []domain.PaymentMethod, label string) (domain.PaymentMethod, bool) {
	for _, method := range methods {
		journal := method.JournalName
		if journal == "" {
			journal = method.Name
		}
		if textmatch.ContainsFold(journal, label) {
			return method, true
		}
	}
	return domain.PaymentMethod{}, false
}

func methodNames(methods []domain.PaymentMethod) string {
	if len(methods) == 0 {
		return "an empty method list"
	}
	names := make([]string, 0, len(methods))
	for _, method := range methods {
		names = append(names, method.Name)
	}
	return fmt.Sprintf("%q", names)
}
