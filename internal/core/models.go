package core

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusDone       Status = "Done"
	StatusError      Status = "Error"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether a WorkItem may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusDone || to == StatusError
	case StatusError:
		return to == StatusPending
	case StatusDone:
		return false
	default:
		return false
	}
}

// WorkItem is one text segment to synthesize.
type WorkItem struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	VoiceID   string `json:"voiceId,omitempty"`
	VoiceName string `json:"voiceName,omitempty"`
	Status    Status `json:"status"`

	// Valid when Status is Done.
	OutputPath    string  `json:"outputPath,omitempty"`
	AudioDuration float64 `json:"audioDuration,omitempty"`
	ModelUsed     string  `json:"modelUsed,omitempty"`

	// Valid when Status is Error.
	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount"`
}

// Transition moves the item to the given status, enforcing the state machine.
func (w *WorkItem) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return fmt.Errorf("%w: %s -> %s (item %s)", ErrInvalidTransition, w.Status, to, w.ID)
	}

	w.Status = to

	return nil
}

// Characters returns the quota cost of the item's text.
func (w *WorkItem) Characters() int {
	return utf8.RuneCountInString(w.Text)
}

// Credential is one API key with quota, validity and cooldown state.
type Credential struct {
	ID            string
	Secret        string
	Name          string
	Used          int
	Limit         int
	Valid         bool
	Enabled       bool
	CooldownUntil time.Time
	ProxyID       string
}

// Remaining returns max(0, Limit-Used).
func (c *Credential) Remaining() int {
	return max(0, c.Limit-c.Used)
}

// InCooldown reports whether the credential is throttled at the given instant.
func (c *Credential) InCooldown(now time.Time) bool {
	return !c.CooldownUntil.IsZero() && now.Before(c.CooldownUntil)
}

// Available reports whether the credential can serve a request right now.
func (c *Credential) Available(now time.Time) bool {
	return c.Enabled && c.Valid && !c.InCooldown(now) && c.Remaining() > 0
}

// DisplayName returns the name, or a shortened id when no name is set.
func (c *Credential) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}

	const shortIDLength = 8
	if len(c.ID) > shortIDLength {
		return c.ID[:shortIDLength]
	}

	return c.ID
}

// ProxyType is the transport of a ProxyBinding.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "HTTP"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// ProxyBinding is an optional network relay associated with a Credential.
type ProxyBinding struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Type     ProxyType
	Username string
	Password string
	Enabled  bool
	Healthy  bool
}

// Usable reports whether the proxy may carry traffic.
func (p *ProxyBinding) Usable() bool {
	return p.Enabled && p.Healthy
}

// URL builds the proxy URL understood by net/http.
func (p *ProxyBinding) URL() *url.URL {
	scheme := "http"
	if p.Type == ProxySOCKS5 {
		scheme = "socks5"
	}

	proxyURL := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}

	if p.Username != "" && p.Password != "" {
		proxyURL.User = url.UserPassword(p.Username, p.Password)
	}

	return proxyURL
}

// Model identifiers accepted by the synthesis API.
const (
	ModelV3             = "eleven_v3"
	ModelMultilingualV2 = "eleven_multilingual_v2"
	ModelTurboV25       = "eleven_turbo_v2_5"
	ModelFlashV25       = "eleven_flash_v2_5"
)

// VoiceSettings are the per-voice synthesis parameters.
type VoiceSettings struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
	Speed           float64
	Model           string
}

// DefaultVoiceSettings returns the settings used when a voice has none configured.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		UseSpeakerBoost: true,
		Speed:           1.0,
		Model:           ModelV3,
	}
}
