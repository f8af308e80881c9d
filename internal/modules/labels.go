package modules

import (
	"regexp"
	"strconv"

	"github.com/okian/textrewards/internal/domain/money"
)

var (
	priceLabel    = regexp.MustCompile(`(?i)^\s*price:\s*([0-9]+(?:\.[0-9]+)?)`)
	priorityLabel = regexp.MustCompile(`(?i)^\s*priority:\s*([0-9]+(?:\.[0-9]+)?)`)
)

// Price returns the value of the first "Price: <n> USD" label.
func Price(labels []string) (money.Amount, bool) {
	for _, l := range labels {
		if m := priceLabel.FindStringSubmatch(l); m != nil {
			p, err := money.Parse(m[1])
			if err == nil {
				return p, true
			}
		}
	}
	return money.Zero, false
}

// Priority returns the value of the first "Priority: <n>" label, or 1.
func Priority(labels []string) float64 {
	for _, l := range labels {
		if m := priorityLabel.FindStringSubmatch(l); m != nil {
			if p, err := strconv.ParseFloat(m[1], 64); err == nil && p > 0 {
				return p
			}
		}
	}
	return 1
}
