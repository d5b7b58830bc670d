package entitlements

import (
	"encoding/json"
	"time"
)

// StatusKind enumerates the variants of Status.
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusValid
	StatusSubscribed
	StatusRevoked
	StatusExpired
	StatusCancelled
)

var statusNames = [...]string{
	StatusUnknown:    "unknown",
	StatusValid:      "valid",
	StatusSubscribed: "subscribed",
	StatusRevoked:    "revoked",
	StatusExpired:    "expired",
	StatusCancelled:  "cancelled",
}

func (k StatusKind) String() string {
	if k < 0 || int(k) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[k]
}

// Status is the semantic state of a transaction at one evaluation instant.
//
// Which dates are set depends on Kind:
//
//	subscribed  Expiration
//	expired     Expiration
//	revoked     Revocation, Expiration
//	cancelled   Revocation (the cancel date)
//	valid       none
//	unknown     none
type Status struct {
	Kind       StatusKind
	Expiration time.Time
	Revocation time.Time
}

func Valid() Status   { return Status{Kind: StatusValid} }
func Unknown() Status { return Status{Kind: StatusUnknown} }

func Subscribed(expiration time.Time) Status {
	return Status{Kind: StatusSubscribed, Expiration: expiration}
}

func Expired(expiration time.Time) Status {
	return Status{Kind: StatusExpired, Expiration: expiration}
}

func Revoked(revocation, expiration time.Time) Status {
	return Status{Kind: StatusRevoked, Revocation: revocation, Expiration: expiration}
}

func Cancelled(cancelDate time.Time) Status {
	return Status{Kind: StatusCancelled, Revocation: cancelDate}
}

// CancelDate returns the cancel date of a cancelled status.
func (s Status) CancelDate() (time.Time, bool) {
	if s.Kind != StatusCancelled {
		return time.Time{}, false
	}
	return s.Revocation, true
}

func (s Status) String() string { return s.Kind.String() }

type statusJSON struct {
	Status     string     `json:"status"`
	Expiration *time.Time `json:"expiration,omitempty"`
	Revocation *time.Time `json:"revocation,omitempty"`
	CancelDate *time.Time `json:"cancel_date,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{Status: s.Kind.String()}
	switch s.Kind {
	case StatusSubscribed, StatusExpired:
		out.Expiration = &s.Expiration
	case StatusRevoked:
		out.Expiration = &s.Expiration
		out.Revocation = &s.Revocation
	case StatusCancelled:
		out.CancelDate = &s.Revocation
	}
	return json.Marshal(out)
}

// Classify maps a transaction's product kind, optional expiration and optional
// revocation to exactly one Status at now. It is total: malformed records
// degrade to unknown instead of failing.
//
// For auto-renewable subscriptions an expiration in the past wins over a
// revocation date; a revocation only reports revoked while the period is still
// running.
func Classify(kind ProductType, expiration, revocation *time.Time, now time.Time) Status {
	switch kind {
	case AutoRenewable:
		if expiration == nil {
			return Unknown()
		}
		if !now.Before(*expiration) {
			return Expired(*expiration)
		}
		if revocation != nil {
			return Revoked(*revocation, *expiration)
		}
		return Subscribed(*expiration)
	case NonConsumable:
		if revocation != nil {
			return Cancelled(*revocation)
		}
		return Valid()
	default:
		return Valid()
	}
}

// IsPurchased reports whether tx currently entitles access to the purchased
// capability: a non-consumable that was never revoked, or an auto-renewable
// subscription whose expiration is strictly in the future and was not revoked.
//
// Other product kinds never entitle access even though Classify reports them
// valid; consumables are spent on delivery.
func IsPurchased(tx Transaction, now time.Time) bool {
	switch tx.Type {
	case NonConsumable:
		return tx.RevokedAt == nil
	case AutoRenewable:
		return tx.ExpiresAt != nil && now.Before(*tx.ExpiresAt) && tx.RevokedAt == nil
	default:
		return false
	}
}
