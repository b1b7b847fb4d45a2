// Package domain holds calendar rules shared by identity validation and credential issuance.
package domain

import (
	"fmt"
	"time"
)

// DateLayout is the ISO calendar form used for birth and expiration dates.
const DateLayout = "2006-01-02"

// AdultAge is the minimum age for a credential holder.
const AdultAge = 18

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD", s)
	}
	return t, nil
}

// IsAdult reports whether someone born on birthDate has reached AdultAge at now.
// Calendar arithmetic moves a Feb 29 birthday to Mar 1 in non-leap years.
func IsAdult(birthDate, now time.Time) bool {
	adultAt := birthDate.UTC().AddDate(AdultAge, 0, 0)
	return !now.UTC().Before(adultAt)
}

// IsExpired reports whether a document expiring on expiresOn is no longer valid at now.
// The document stays valid through the whole expiration day.
func IsExpired(expiresOn, now time.Time) bool {
	return !now.UTC().Before(expiresOn.UTC().AddDate(0, 0, 1))
}
