package messages

import "time"

// Pure transitions over one Message, applied by Repository.Mutate.

type Mutation func(cur Message) (next Message, changed bool)

// ClaimForSubmit moves a never-attempted, due, queued row to sending.
func ClaimForSubmit(cur Message, now time.Time) (Message, bool) {
	if cur.Direction != DirectionOutbound || cur.Status != StatusQueued || cur.ProviderMessageID != "" {
		return cur, false
	}
	if cur.Attempts != 0 || cur.DueAt().After(now) {
		return cur, false
	}
	next := cur.Clone()
	next.Status = StatusSending
	next.Attempts++
	next.UpdatedAt = now
	return next, true
}

// ClaimForSweep takes a row stuck in queued or sending whose due time is at
// or before cutoff. Each claim counts one sweep attempt.
func ClaimForSweep(cur Message, cutoff, now time.Time) (Message, bool) {
	if cur.Direction != DirectionOutbound || cur.ProviderMessageID != "" {
		return cur, false
	}
	if cur.Status != StatusQueued && cur.Status != StatusSending {
		return cur, false
	}
	if cur.DueAt().After(cutoff) {
		return cur, false
	}
	// a claim taken after cutoff is still in flight
	if cur.Status == StatusSending && cur.UpdatedAt.After(cutoff) {
		return cur, false
	}
	next := cur.Clone()
	next.Status = StatusSending
	next.Attempts++
	next.SweepAttempts++
	next.UpdatedAt = now
	return next, true
}

// MarkAccepted records the provider id. providerStatus may place the row
// beyond sent when the provider already reports delivery.
func MarkAccepted(cur Message, providerID string, providerStatus Status, now time.Time) (Message, bool) {
	if cur.Status != StatusSending || cur.ProviderMessageID != "" || providerID == "" {
		return cur, false
	}
	next := cur.Clone()
	next.ProviderMessageID = providerID
	next.Status = StatusSent
	if providerStatus == StatusDelivered {
		next.Status = StatusDelivered
		next.DeliveredAt = &now
	}
	next.LastError = ""
	next.ErrorCode = ""
	next.SentAt = &now
	next.UpdatedAt = now
	return next, true
}

// MarkRejected is final: the provider refused the message.
func MarkRejected(cur Message, reason, code string, now time.Time) (Message, bool) {
	if cur.Status != StatusSending || cur.ProviderMessageID != "" {
		return cur, false
	}
	next := cur.Clone()
	next.Status = StatusFailed
	next.LastError = reason
	next.ErrorCode = code
	next.UpdatedAt = now
	return next, true
}

// MarkTransient returns the row to queued for the sweeper.
func MarkTransient(cur Message, reason string, now time.Time) (Message, bool) {
	if cur.Status != StatusSending || cur.ProviderMessageID != "" {
		return cur, false
	}
	next := cur.Clone()
	next.Status = StatusQueued
	next.LastError = reason
	next.UpdatedAt = now
	return next, true
}

// MarkSweepFailure fails the row once it used up maxAttempts sweeps,
// otherwise returns it to queued.
func MarkSweepFailure(cur Message, reason, code string, maxAttempts int, now time.Time) (Message, bool) {
	if cur.SweepAttempts >= maxAttempts {
		return MarkRejected(cur, reason, code, now)
	}
	return MarkTransient(cur, reason, now)
}

// ApplyDelivery advances by provider delivery status. Older and repeated
// statuses are no-ops; delivered and failed are final.
func ApplyDelivery(cur Message, status Status, errorCode, errorMessage string, now time.Time) (Message, bool) {
	if cur.Status.Final() || status.Rank() <= cur.Status.Rank() || status == StatusReceived {
		return cur, false
	}
	next := cur.Clone()
	next.Status = status
	switch status {
	case StatusDelivered:
		next.DeliveredAt = &now
	case StatusFailed:
		next.ErrorCode = errorCode
		next.LastError = errorMessage
		if next.LastError == "" && errorCode != "" {
			next.LastError = "provider error " + errorCode
		}
	case StatusSent:
		if next.SentAt == nil {
			next.SentAt = &now
		}
	}
	next.UpdatedAt = now
	return next, true
}
