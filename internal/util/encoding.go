package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeSecret applies NFKC so that visually identical passwords typed on
// different keyboards hash the same.
func NormalizeSecret(s string) string {
	return norm.NFKC.String(s)
}

// FoldEmail returns the canonical, case-insensitive form of an email address.
func FoldEmail(email string) string {
	// A Caser carries state and must not be shared between goroutines.
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(email)))
}
