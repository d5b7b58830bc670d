package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaulFidika/iapkit/entitlements"
)

// Notification types that change what a user is entitled to.
const (
	NotificationSubscribed         = "SUBSCRIBED"
	NotificationDidRenew           = "DID_RENEW"
	NotificationDidFailToRenew     = "DID_FAIL_TO_RENEW"
	NotificationExpired            = "EXPIRED"
	NotificationRefund             = "REFUND"
	NotificationRevoke             = "REVOKE"
	NotificationDidChangeRenewal   = "DID_CHANGE_RENEWAL_STATUS"
	NotificationOneTimeCharge      = "ONE_TIME_CHARGE"
	NotificationTest               = "TEST"
	NotificationRefundReversed     = "REFUND_REVERSED"
	NotificationGracePeriodExpired = "GRACE_PERIOD_EXPIRED"
)

type notificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID"`
	Version          string `json:"version,omitempty"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId,omitempty"`
		BundleID              string `json:"bundleId"`
		BundleVersion         string `json:"bundleVersion,omitempty"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
		SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
		Status                int    `json:"status,omitempty"`
	} `json:"data"`
}

// Notification is a verified App Store Server Notification V2.
type Notification struct {
	Type        string
	Subtype     string
	UUID        string
	Version     string
	SignedDate  time.Time
	BundleID    string
	Environment string
	Status      int
	Transaction *entitlements.Transaction
	RenewalInfo *RenewalInfoPayload
	Raw         string
}

// ParseNotification verifies signedPayload and the transaction and renewal info nested in it.
func (v *Verifier) ParseNotification(ctx context.Context, signedPayload string) (Notification, error) {
	data, err := v.Verify(ctx, signedPayload)
	if err != nil {
		return Notification{}, err
	}
	var p notificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if err := v.checkBundle(p.Data.BundleID); err != nil {
		return Notification{}, err
	}
	n := Notification{
		Type:        p.NotificationType,
		Subtype:     p.Subtype,
		UUID:        p.NotificationUUID,
		Version:     p.Version,
		SignedDate:  fromMillis(p.SignedDate),
		BundleID:    p.Data.BundleID,
		Environment: p.Data.Environment,
		Status:      p.Data.Status,
		Raw:         signedPayload,
	}
	if p.Data.SignedTransactionInfo != "" {
		tx, err := v.VerifyTransaction(ctx, p.Data.SignedTransactionInfo)
		if err != nil {
			return Notification{}, fmt.Errorf("notification transaction: %w", err)
		}
		n.Transaction = &tx
	}
	if p.Data.SignedRenewalInfo != "" {
		ri, err := v.VerifyRenewalInfo(ctx, p.Data.SignedRenewalInfo)
		if err != nil {
			return Notification{}, fmt.Errorf("notification renewal info: %w", err)
		}
		n.RenewalInfo = &ri
	}
	return n, nil
}

// NotificationBody is the JSON envelope Apple posts to the notification URL.
type NotificationBody struct {
	SignedPayload string `json:"signedPayload"`
}
