// Package core defines the data model and collaborator interfaces for the batch TTS engine.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	UploadFile(ctx context.Context, key, filePath string, metadata map[string]string) error
}

// SynthesisRequest carries everything a Synthesizer needs for one call.
type SynthesisRequest struct {
	Text       string
	VoiceID    string
	Settings   VoiceSettings
	Credential Credential
	// Proxy is nil when the credential has no usable relay.
	Proxy      *ProxyBinding
	OutputPath string
}

// SynthesisResult describes a successfully written audio artifact.
type SynthesisResult struct {
	DurationSeconds float64
	Model           string
}

// Synthesizer performs a single text-to-speech call and writes the audio to
// req.OutputPath. Failures should be returned as *SynthesisError so the engine
// can dispatch on the failure kind; any other error is treated as transient.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
}

// VoiceCatalog resolves synthesis parameters for a voice id.
type VoiceCatalog interface {
	Voice(voiceID string) (VoiceSettings, error)
}
