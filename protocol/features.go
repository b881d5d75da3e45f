package protocol

import "fmt"

// The version window this client is prepared to speak, announced in the
// connection opener.
const (
	MinClientVersion = 100
	MaxClientVersion = 178
)

// Feature is a named, version-gated protocol capability. Every optional
// field decision in an encoder or decoder goes through one of these.
type Feature struct {
	Name       string
	MinVersion int
}

var (
	FeatureOptionalCapabilities = Feature{"optional capabilities", 100}
	FeaturePnL                  = Feature{"pnl requests", 132}
	FeatureTickByTick           = Feature{"tick-by-tick data", 137}
	FeatureUnrealizedPnL        = Feature{"unrealized pnl", 149}
	FeatureRealizedPnL          = Feature{"realized pnl", 150}
	FeatureFractionalPositions  = Feature{"fractional positions", 160}
	FeatureAdvancedOrderReject  = Feature{"advanced order reject", 166}
)

// Features lists every gated capability, for table-driven checks.
var Features = []Feature{
	FeatureOptionalCapabilities,
	FeaturePnL,
	FeatureTickByTick,
	FeatureUnrealizedPnL,
	FeatureRealizedPnL,
	FeatureFractionalPositions,
	FeatureAdvancedOrderReject,
}

// SupportedBy reports whether a gateway at serverVersion implements f.
func (f Feature) SupportedBy(serverVersion int) bool {
	return serverVersion >= f.MinVersion
}

// Check returns a FeatureError when the gateway predates f, nil otherwise.
func (f Feature) Check(serverVersion int) error {
	if f.SupportedBy(serverVersion) {
		return nil
	}

	return &FeatureError{Feature: f, ServerVersion: serverVersion}
}

// FeatureError reports an attempt to use a capability the connected gateway
// predates. It is always surfaced to the caller and never retried.
type FeatureError struct {
	Feature       Feature
	ServerVersion int
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("The connected gateway (version %d) does not support %s, which requires at least version %d",
		e.ServerVersion, e.Feature.Name, e.Feature.MinVersion)
}
