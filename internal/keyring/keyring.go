// Package keyring persists credentials, proxies and the voice catalog in a
// TOML file. Quota changes reported by the engine are written back with Save.
package keyring

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

var (
	// ErrVoiceNotFound is returned by Voice for ids missing from the catalog.
	ErrVoiceNotFound = errors.New("voice not found")
	// ErrPathEmpty indicates that no keyring file was configured.
	ErrPathEmpty = errors.New("keyring path cannot be empty")
)

// Boolean fields are pointers so that a missing key means "true" instead of
// silently disabling every credential of a hand-written file.
type credentialRecord struct {
	ID              string `toml:"id"`
	Key             string `toml:"key"`
	Name            string `toml:"name,omitempty"`
	CharacterCount  int    `toml:"character_count"`
	CharacterLimit  int    `toml:"character_limit"`
	IsValid         *bool  `toml:"is_valid"`
	Enabled         *bool  `toml:"enabled"`
	AssignedProxyID string `toml:"assigned_proxy_id,omitempty"`
}

type proxyRecord struct {
	ID        string `toml:"id"`
	Name      string `toml:"name,omitempty"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	ProxyType string `toml:"proxy_type"`
	Username  string `toml:"username,omitempty"`
	Password  string `toml:"password,omitempty"`
	Enabled   *bool  `toml:"enabled"`
	IsHealthy *bool  `toml:"is_healthy"`
}

type voiceRecord struct {
	VoiceID         string   `toml:"voice_id"`
	Name            string   `toml:"name,omitempty"`
	Stability       *float64 `toml:"stability"`
	SimilarityBoost *float64 `toml:"similarity_boost"`
	Style           *float64 `toml:"style"`
	UseSpeakerBoost *bool    `toml:"use_speaker_boost"`
	Speed           *float64 `toml:"speed"`
	Model           string   `toml:"model,omitempty"`
}

type fileFormat struct {
	Credentials []credentialRecord `toml:"credentials"`
	Proxies     []proxyRecord      `toml:"proxies"`
	Voices      []voiceRecord      `toml:"voices"`
}

// Voice is a catalog entry.
type Voice struct {
	ID       string
	Name     string
	Settings core.VoiceSettings
}

// Keyring is the in-memory view of the keyring file. It is safe for
// concurrent use and implements core.VoiceCatalog.
type Keyring struct {
	mu          sync.Mutex
	path        string
	credentials []core.Credential
	proxies     []core.ProxyBinding
	voices      []Voice
}

// Load reads the keyring at path. A missing file yields an empty keyring
// that Save will create.
func Load(path string) (*Keyring, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}

	ring := &Keyring{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ring, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read keyring %s: %w", path, err)
	}

	var file fileFormat

	err = toml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keyring %s: %w", path, err)
	}

	for _, record := range file.Credentials {
		ring.credentials = append(ring.credentials, record.toCredential())
	}

	for _, record := range file.Proxies {
		ring.proxies = append(ring.proxies, record.toProxy())
	}

	for _, record := range file.Voices {
		if record.VoiceID == "" {
			continue
		}

		ring.voices = append(ring.voices, record.toVoice())
	}

	return ring, nil
}

// Path returns the file the keyring was loaded from.
func (k *Keyring) Path() string {
	return k.path
}

// Credentials returns copies of every stored credential.
func (k *Keyring) Credentials() []core.Credential {
	k.mu.Lock()
	defer k.mu.Unlock()

	return slices.Clone(k.credentials)
}

// Proxies returns copies of every stored proxy.
func (k *Keyring) Proxies() []core.ProxyBinding {
	k.mu.Lock()
	defer k.mu.Unlock()

	return slices.Clone(k.proxies)
}

// Voices returns the catalog in file order.
func (k *Keyring) Voices() []Voice {
	k.mu.Lock()
	defer k.mu.Unlock()

	return slices.Clone(k.voices)
}

// Voice returns the settings stored for voiceID.
func (k *Keyring) Voice(voiceID string) (core.VoiceSettings, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, voice := range k.voices {
		if voice.ID == voiceID {
			return voice.Settings, nil
		}
	}

	return core.VoiceSettings{}, fmt.Errorf("%w: %s", ErrVoiceNotFound, voiceID)
}

// VoiceName returns the display name of voiceID, or "" when unknown.
func (k *Keyring) VoiceName(voiceID string) string {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, voice := range k.voices {
		if voice.ID == voiceID {
			return voice.Name
		}
	}

	return ""
}

// AddCredential stores a new credential, assigning an id when it has none.
// It returns the stored copy.
func (k *Keyring) AddCredential(cred core.Credential) core.Credential {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.credentials = append(k.credentials, cred)

	return cred
}

// UpdateCredential copies the quota and validity of cred onto the stored
// credential with the same id. It reports whether the id was found.
func (k *Keyring) UpdateCredential(cred core.Credential) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := range k.credentials {
		if k.credentials[i].ID == cred.ID {
			k.credentials[i].Used = cred.Used
			k.credentials[i].Limit = cred.Limit
			k.credentials[i].Valid = cred.Valid

			return true
		}
	}

	return false
}

// MergeVoices adds voices that are not in the catalog yet with default
// settings and returns how many were added. Existing entries keep their
// settings.
func (k *Keyring) MergeVoices(voices []Voice) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	added := 0

	for _, voice := range voices {
		exists := slices.ContainsFunc(k.voices, func(existing Voice) bool { return existing.ID == voice.ID })
		if exists || voice.ID == "" {
			continue
		}

		if voice.Settings == (core.VoiceSettings{}) {
			voice.Settings = core.DefaultVoiceSettings()
		}

		k.voices = append(k.voices, voice)
		added++
	}

	return added
}

// Save writes the keyring back to its file atomically.
func (k *Keyring) Save() error {
	k.mu.Lock()
	file := k.snapshotLocked()
	k.mu.Unlock()

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode keyring: %w", err)
	}

	dir := filepath.Dir(k.path)

	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create keyring directory: %w", mkdirErr)
	}

	tmp, err := os.CreateTemp(dir, ".keyring-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary keyring: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	joinErr := errors.Join(writeErr, closeErr)
	if joinErr != nil {
		return fmt.Errorf("failed to write keyring: %w", joinErr)
	}

	chmodErr := os.Chmod(tmpName, filePermissions)
	if chmodErr != nil {
		return fmt.Errorf("failed to set keyring permissions: %w", chmodErr)
	}

	renameErr := os.Rename(tmpName, k.path)
	if renameErr != nil {
		return fmt.Errorf("failed to replace keyring %s: %w", k.path, renameErr)
	}

	return nil
}

func (k *Keyring) snapshotLocked() fileFormat {
	var file fileFormat

	for _, cred := range k.credentials {
		file.Credentials = append(file.Credentials, credentialRecord{
			ID:              cred.ID,
			Key:             cred.Secret,
			Name:            cred.Name,
			CharacterCount:  cred.Used,
			CharacterLimit:  cred.Limit,
			IsValid:         boolPtr(cred.Valid),
			Enabled:         boolPtr(cred.Enabled),
			AssignedProxyID: cred.ProxyID,
		})
	}

	for _, proxy := range k.proxies {
		file.Proxies = append(file.Proxies, proxyRecord{
			ID:        proxy.ID,
			Name:      proxy.Name,
			Host:      proxy.Host,
			Port:      proxy.Port,
			ProxyType: strings.ToLower(string(proxy.Type)),
			Username:  proxy.Username,
			Password:  proxy.Password,
			Enabled:   boolPtr(proxy.Enabled),
			IsHealthy: boolPtr(proxy.Healthy),
		})
	}

	for _, voice := range k.voices {
		settings := voice.Settings
		file.Voices = append(file.Voices, voiceRecord{
			VoiceID:         voice.ID,
			Name:            voice.Name,
			Stability:       &settings.Stability,
			SimilarityBoost: &settings.SimilarityBoost,
			Style:           &settings.Style,
			UseSpeakerBoost: &settings.UseSpeakerBoost,
			Speed:           &settings.Speed,
			Model:           settings.Model,
		})
	}

	return file
}

func (r credentialRecord) toCredential() core.Credential {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}

	return core.Credential{
		ID:      id,
		Secret:  r.Key,
		Name:    r.Name,
		Used:    r.CharacterCount,
		Limit:   r.CharacterLimit,
		Valid:   boolOr(r.IsValid, true),
		Enabled: boolOr(r.Enabled, true),
		ProxyID: r.AssignedProxyID,
	}
}

func (r proxyRecord) toProxy() core.ProxyBinding {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}

	proxyType := core.ProxyHTTP
	if strings.EqualFold(r.ProxyType, string(core.ProxySOCKS5)) {
		proxyType = core.ProxySOCKS5
	}

	return core.ProxyBinding{
		ID:       id,
		Name:     r.Name,
		Host:     r.Host,
		Port:     r.Port,
		Type:     proxyType,
		Username: r.Username,
		Password: r.Password,
		Enabled:  boolOr(r.Enabled, true),
		Healthy:  boolOr(r.IsHealthy, true),
	}
}

func (r voiceRecord) toVoice() Voice {
	defaults := core.DefaultVoiceSettings()

	settings := core.VoiceSettings{
		Stability:       floatOr(r.Stability, defaults.Stability),
		SimilarityBoost: floatOr(r.SimilarityBoost, defaults.SimilarityBoost),
		Style:           floatOr(r.Style, defaults.Style),
		UseSpeakerBoost: boolOr(r.UseSpeakerBoost, defaults.UseSpeakerBoost),
		Speed:           floatOr(r.Speed, defaults.Speed),
		Model:           r.Model,
	}

	if settings.Model == "" {
		settings.Model = defaults.Model
	}

	return Voice{ID: r.VoiceID, Name: r.Name, Settings: settings}
}

func boolPtr(value bool) *bool {
	return &value
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}

	return *value
}

func floatOr(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}

	return *value
}
