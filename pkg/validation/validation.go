package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

var (
	// IdentityRegex validates endpoint identities on the relay
	IdentityRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
)

const (
	maxIdentityLength  = 100
	maxSDPLength       = 64 * 1024
	maxCandidateLength = 1024
)

// ValidateIdentity validates an endpoint identity
func ValidateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("identity is required")
	}
	if len(id) > maxIdentityLength {
		return fmt.Errorf("identity is too long (max %d characters)", maxIdentityLength)
	}
	if !IdentityRegex.MatchString(id) {
		return fmt.Errorf("invalid identity format")
	}
	return nil
}

// ValidateSessionDescription checks that desc is of the expected type and
// carries a well-formed SDP body.
func ValidateSessionDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("expected %s description, got %s", want, desc.Type)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(desc.SDP) > maxSDPLength {
		return fmt.Errorf("sdp is too long (max %d bytes)", maxSDPLength)
	}
	_, err := ParseSessionDescription(desc.SDP)
	return err
}

// ParseSessionDescription parses raw and rejects bodies the sdp parser lets
// through without a version line, an origin or any media section.
func ParseSessionDescription(raw string) (*sdp.SessionDescription, error) {
	if !strings.HasPrefix(raw, "v=0") {
		return nil, fmt.Errorf("invalid sdp: missing version line")
	}
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("invalid sdp: %w", err)
	}
	o := parsed.Origin
	if o.NetworkType == "" || o.AddressType == "" || o.UnicastAddress == "" {
		return nil, fmt.Errorf("invalid sdp: incomplete origin line")
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("invalid sdp: no media sections")
	}
	return parsed, nil
}

// ValidateCandidate validates a remote ICE candidate
func ValidateCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return fmt.Errorf("candidate is required")
	}
	if len(c.Candidate) > maxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", maxCandidateLength)
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") {
		return fmt.Errorf("invalid candidate format")
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("candidate needs sdpMid or sdpMLineIndex")
	}
	return nil
}

// ValidateStreamAction validates a remote start/stop command
func ValidateStreamAction(action string) error {
	switch action {
	case "start", "stop":
		return nil
	case "":
		return fmt.Errorf("action is required")
	}
	return fmt.Errorf("invalid action (must be start or stop)")
}

// ValidateGain validates an audio ducking gain in [0, 1]
func ValidateGain(gain float64) error {
	if math.IsNaN(gain) || gain < 0 || gain > 1 {
		return fmt.Errorf("gain must be between 0 and 1")
	}
	return nil
}

// ValidateURL checks a relay URL: ws or wss with a host.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN/TURN server URL
func ValidateICEServerURL(raw string) error {
	switch {
	case strings.HasPrefix(raw, "stun:"), strings.HasPrefix(raw, "stuns:"),
		strings.HasPrefix(raw, "turn:"), strings.HasPrefix(raw, "turns:"):
	default:
		return fmt.Errorf("invalid ICE server URL %q (must be stun:, stuns:, turn: or turns:)", raw)
	}
	if _, err := ice.ParseURL(raw); err != nil {
		return fmt.Errorf("invalid ICE server URL %q: %w", raw, err)
	}
	return nil
}
