// Package status defines the JSON-serializable payload consumed by the
// out-of-scope admin HTTP surface. The core never serves this payload
// itself; it only shapes and populates the DTO for whichever external admin
// component wires it onto an endpoint.
package status

import "time"

// Protocol describes one wire-protocol adapter's exposure.
type Protocol struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ConnectProtocol extends Protocol with CORS details specific to the
// Connect listener. The coordinator does not populate Requests.
type ConnectProtocol struct {
	Protocol
	CORSEnabled bool           `json:"corsEnabled"`
	CORSOrigins []string       `json:"corsOrigins,omitempty"`
	Services    []string       `json:"services,omitempty"`
	Requests    map[string]int `json:"requestsByFamily,omitempty"`
}

// Reload describes the hot-reload coordinator's last run.
type Reload struct {
	LastTriggered    time.Time `json:"lastTriggered"`
	Mode             string    `json:"mode"` // trigger passed to Reload: "startup", "fsnotify", or a caller-chosen value
	DowntimeDetected bool      `json:"downtimeDetected"`
	LastError        string    `json:"lastError,omitempty"`
}

// ValidationCoverage reports how many loaded message types carry at least
// one extracted constraint, versus the total loaded.
type ValidationCoverage struct {
	TotalTypes     int `json:"totalTypes"`
	ValidatedTypes int `json:"validatedTypes"`
}

// Payload is the full status document. Fields are populated by the
// coordinator/adapters on each reload and snapshotted for external callers;
// the core never serves this over HTTP itself.
type Payload struct {
	Ready bool `json:"ready"`

	Plaintext Protocol        `json:"plaintext"`
	TLS       Protocol        `json:"tls"`
	Connect   ConnectProtocol `json:"connect"`

	Services []string `json:"services"`
	RuleKeys []string `json:"ruleKeys"`

	ProtoLoaded []string `json:"protoLoaded"`
	ProtoSkipped []string `json:"protoSkipped"`

	Validation ValidationCoverage `json:"validation"`

	Reload Reload `json:"reload"`

	Metrics Metrics `json:"metrics"`
}

// Metrics is the copy-on-read snapshot of pkg/metrics' process-wide
// counters, shaped for direct JSON embedding in the status payload.
type Metrics struct {
	ValidationChecksTotal   int64            `json:"validationChecksTotal"`
	ValidationFailuresTotal int64            `json:"validationFailuresTotal"`
	ValidationFailuresByType map[string]int64 `json:"validationFailuresByType,omitempty"`

	RuleMatchingAttemptsTotal int64            `json:"ruleMatchingAttemptsTotal"`
	RuleMatchingMatchesTotal  int64            `json:"ruleMatchingMatchesTotal"`
	RuleMatchingMissesTotal   int64            `json:"ruleMatchingMissesTotal"`
	RuleMatchingMatchesByRule map[string]int64 `json:"ruleMatchingMatchesByRule,omitempty"`
}
