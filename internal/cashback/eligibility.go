package cashback

import (
	"time"

	"kasirinaja/terminal/internal/domain"
)

// Eligible reports whether customer may earn points at now.
func Eligible(customer *domain.Customer, now time.Time) bool {
	if customer == nil || customer.ID == "" || customer.NonMember {
		return false
	}
	return !MembershipExpired(customer, now)
}

func MembershipExpired(customer *domain.Customer, now time.Time) bool {
	if customer == nil || customer.MembershipExpiresAt == nil {
		return false
	}
	return now.After(*customer.MembershipExpiresAt)
}

func MembershipExpiringWithin(customer *domain.Customer, now time.Time, window time.Duration) bool {
	if customer == nil || customer.MembershipExpiresAt == nil || MembershipExpired(customer, now) {
		return false
	}
	return customer.MembershipExpiresAt.Sub(now) <= window
}
