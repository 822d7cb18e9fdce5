package relay

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// suffixPattern matches the "_G<n>" tracking-id suffix the service appends
// on listen. It is stripped before every reconnect and is never present in
// a freshly minted TrackingContext.
var suffixPattern = regexp.MustCompile(`_G[0-9]+$`)

// TrackingContext is the immutable identity carried through log output and
// error messages for one logical operation (a control-channel lifetime, a
// single accept, a single HTTP tunnel request).
type TrackingContext struct {
	// ActivityID is a stable UUID minted once per TrackingContext.
	ActivityID string
	// TrackingID is ActivityID plus an optional "_G<n>" suffix assigned by
	// the service. It is what actually appears on the wire and in logs.
	TrackingID string
	// Address is the optional canonical sb:// address this context is
	// attached to.
	Address string
}

// NewTrackingContext mints a TrackingContext with a fresh ActivityID and no
// service-assigned suffix.
func NewTrackingContext(address string) TrackingContext {
	id := uuid.NewString()
	return TrackingContext{ActivityID: id, TrackingID: id, Address: address}
}

// WithTrackingID returns a copy of tc with TrackingID replaced, e.g. after
// the service echoes back a suffixed id.
func (tc TrackingContext) WithTrackingID(trackingID string) TrackingContext {
	tc.TrackingID = trackingID
	return tc
}

// RemoveSuffix strips any trailing "_G<n>" from a tracking id. It is called
// before every reconnect so the id sent to "listen" never carries a stale
// service-assigned suffix.
func RemoveSuffix(trackingID string) string {
	return suffixPattern.ReplaceAllString(trackingID, "")
}

// StrippedTrackingID returns tc.TrackingID with any service suffix removed.
func (tc TrackingContext) StrippedTrackingID() string {
	return RemoveSuffix(tc.TrackingID)
}

// Suffix appends the trackable "TrackingId:..., Address:..., Timestamp:..."
// tail to a user-visible message, unless it is already present.
func (tc TrackingContext) Suffix(message string) string {
	if strings.Contains(message, "TrackingId:") {
		return message
	}
	tail := "TrackingId:" + tc.TrackingID
	if tc.Address != "" {
		tail += ", Address:" + tc.Address
	}
	tail += ", Timestamp:" + time.Now().UTC().Format(time.RFC3339)
	if message == "" {
		return tail
	}
	return message + " (" + tail + ")"
}
