// Package tts is the HTTP client for an ElevenLabs-compatible text-to-speech
// service. It writes synthesized audio to disk and classifies every failure
// so the engine can decide whether to retry, rotate or give up.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-batch/internal/core"
)

// API endpoints and paths.
const (
	DefaultBaseURL = "https://api.elevenlabs.io"

	apiTextToSpeech = "/v1/text-to-speech/"
	apiSubscription = "/v1/user/subscription"
	apiVoices       = "/v1/voices"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMPEG   = "audio/mpeg"
)

// Default values.
const (
	DefaultTimeout = 120 * time.Second

	outputFormat = "mp3_44100_128"
	// bytesPerSecond approximates 128 kbps MP3 output.
	bytesPerSecond = 128 * 1024 / 8

	filePermissions = 0o600
	dirPermissions  = 0o750
)

// Error messages.
const (
	errTextCannotBeEmpty   = "text cannot be empty"
	errVoiceCannotBeEmpty  = "voice id cannot be empty"
	errOutputPathEmpty     = "output path cannot be empty"
	errReceivedEmptyAudio  = "received empty audio data"
	errFmtSendFailed       = "failed to send request to %s"
	errFmtReadAudio        = "failed to read audio data"
	errFmtWriteAudio       = "failed to write audio file %s"
	errFmtBuildRequest     = "failed to build request"
	logFmtGeneratedAudio   = "Generated audio: %s (%d bytes, %.1fs)"
	logFmtSubscriptionRead = "Credential %s: %d/%d characters used"
)

// ErrEmptyResponse is returned when the service answers 200 with no audio.
var ErrEmptyResponse = errors.New(errReceivedEmptyAudio)

// Client talks to the text-to-speech service. It is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// speechRequest is the JSON payload of a synthesis call.
type speechRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings speechVoiceOptions `json:"voice_settings"`
}

type speechVoiceOptions struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

// Subscription is the quota state reported by the service for a credential.
type Subscription struct {
	Tier           string `json:"tier"`
	CharacterCount int    `json:"character_count"`
	CharacterLimit int    `json:"character_limit"`
}

// Voice is one entry of the account's voice list.
type Voice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

type voicesResponse struct {
	Voices []Voice `json:"voices"`
}

// NewClient creates a client for the service at baseURL. log may be nil.
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		log:     log,
		clients: make(map[string]*http.Client),
	}
}

// Synthesize converts req.Text to speech and writes it to req.OutputPath.
// Every returned error is a *core.SynthesisError.
func (c *Client) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.SynthesisResult, error) {
	validationErr := validateRequest(req)
	if validationErr != nil {
		return core.SynthesisResult{}, validationErr
	}

	body, err := json.Marshal(speechRequest{
		Text:    req.Text,
		ModelID: req.Settings.Model,
		VoiceSettings: speechVoiceOptions{
			Stability:       req.Settings.Stability,
			SimilarityBoost: req.Settings.SimilarityBoost,
			Style:           req.Settings.Style,
			UseSpeakerBoost: req.Settings.UseSpeakerBoost,
			Speed:           req.Settings.Speed,
		},
	})
	if err != nil {
		return core.SynthesisResult{}, core.NewSynthesisError(core.FailureFatal, 0, "failed to marshal request", err)
	}

	endpoint := c.baseURL + apiTextToSpeech + url.PathEscape(req.VoiceID) + "?output_format=" + outputFormat

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SynthesisResult{}, core.NewSynthesisError(core.FailureFatal, 0, errFmtBuildRequest, err)
	}

	httpReq.Header.Set(headerAPIKey, req.Credential.Secret)
	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeMPEG)

	resp, err := c.clientFor(req.Proxy).Do(httpReq)
	if err != nil {
		return core.SynthesisResult{}, core.NewSynthesisError(
			core.FailureTransient, 0, fmt.Sprintf(errFmtSendFailed, describeRoute(c.baseURL, req.Proxy)), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.SynthesisResult{}, parseErrorResponse(resp)
	}

	size, err := writeAudio(req.OutputPath, resp.Body)
	if err != nil {
		return core.SynthesisResult{}, err
	}

	duration := float64(size) / bytesPerSecond

	if c.log != nil {
		c.log.Info(logFmtGeneratedAudio, req.OutputPath, size, duration)
	}

	return core.SynthesisResult{DurationSeconds: duration, Model: req.Settings.Model}, nil
}

// Subscription fetches the current quota of cred. A rejected key yields an
// AUTH_INVALID *core.SynthesisError.
func (c *Client) Subscription(ctx context.Context, cred core.Credential, proxy *core.ProxyBinding) (Subscription, error) {
	var subscription Subscription

	err := c.getJSON(ctx, apiSubscription, cred, proxy, &subscription)
	if err != nil {
		return Subscription{}, err
	}

	if c.log != nil {
		c.log.Info(logFmtSubscriptionRead, cred.DisplayName(), subscription.CharacterCount, subscription.CharacterLimit)
	}

	return subscription, nil
}

// Voices lists the voices available to cred.
func (c *Client) Voices(ctx context.Context, cred core.Credential, proxy *core.ProxyBinding) ([]Voice, error) {
	var voices voicesResponse

	err := c.getJSON(ctx, apiVoices, cred, proxy, &voices)
	if err != nil {
		return nil, err
	}

	return voices.Voices, nil
}

func (c *Client) getJSON(ctx context.Context, path string, cred core.Credential, proxy *core.ProxyBinding, target any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return core.NewSynthesisError(core.FailureFatal, 0, errFmtBuildRequest, err)
	}

	httpReq.Header.Set(headerAPIKey, cred.Secret)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.clientFor(proxy).Do(httpReq)
	if err != nil {
		return core.NewSynthesisError(
			core.FailureTransient, 0, fmt.Sprintf(errFmtSendFailed, describeRoute(c.baseURL, proxy)), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.NewSynthesisError(core.FailureTransient, resp.StatusCode, "failed to read response", err)
	}

	err = parseJSON(data, target)
	if err != nil {
		return core.NewSynthesisError(core.FailureFatal, resp.StatusCode, "unexpected response", err)
	}

	return nil
}

func validateRequest(req core.SynthesisRequest) error {
	switch {
	case req.Text == "":
		return core.NewSynthesisError(core.FailureFatal, 0, errTextCannotBeEmpty, nil)
	case req.VoiceID == "":
		return core.NewSynthesisError(core.FailureFatal, 0, errVoiceCannotBeEmpty, nil)
	case req.OutputPath == "":
		return core.NewSynthesisError(core.FailureFatal, 0, errOutputPathEmpty, nil)
	default:
		return nil
	}
}

// writeAudio streams body into a temporary file beside path and renames it
// into place, so a failed download never leaves a truncated file behind.
func writeAudio(path string, body io.Reader) (int64, error) {
	dir := filepath.Dir(path)

	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return 0, core.NewSynthesisError(core.FailureTransient, 0, fmt.Sprintf(errFmtWriteAudio, path), mkdirErr)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return 0, core.NewSynthesisError(core.FailureTransient, 0, fmt.Sprintf(errFmtWriteAudio, path), err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	size, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()

	if copyErr != nil {
		return 0, core.NewSynthesisError(core.FailureTransient, http.StatusOK, errFmtReadAudio, copyErr)
	}

	if closeErr != nil {
		return 0, core.NewSynthesisError(core.FailureTransient, 0, fmt.Sprintf(errFmtWriteAudio, path), closeErr)
	}

	if size == 0 {
		return 0, core.NewSynthesisError(core.FailureTransient, http.StatusOK, errReceivedEmptyAudio, ErrEmptyResponse)
	}

	chmodErr := os.Chmod(tmpName, filePermissions)
	if chmodErr != nil {
		return 0, core.NewSynthesisError(core.FailureTransient, 0, fmt.Sprintf(errFmtWriteAudio, path), chmodErr)
	}

	renameErr := os.Rename(tmpName, path)
	if renameErr != nil {
		return 0, core.NewSynthesisError(core.FailureTransient, 0, fmt.Sprintf(errFmtWriteAudio, path), renameErr)
	}

	return size, nil
}
