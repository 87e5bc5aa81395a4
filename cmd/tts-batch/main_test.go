package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-batch/internal/batch"
	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/keyring"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyring = `
[[credentials]]
id = "good"
key = "sk-good"
name = "good"
character_count = 0
character_limit = 100000

[[credentials]]
id = "bad"
key = "sk-bad"
name = "bad"
character_count = 0
character_limit = 100000

[[voices]]
voice_id = "rachel"
name = "Rachel"
`

const configTemplate = `
[engine]
workers = 2
default_voice_id = "rachel"
output_dir = %q
max_backoff_seconds = 1

[tts]
base_url = %q
timeout_seconds = 5

[nats]
enabled = %t
url = %q
workflow_id = "wf-cli"

[paths]
base_logs_dir = %q
keyring_file = %q
`

type fakeService struct {
	server     *httptest.Server
	synthCalls atomic.Int32
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	svc := &fakeService{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/text-to-speech/{voice}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") == "sk-bad" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":{"message":"invalid api key"}}`))

			return
		}

		svc.synthCalls.Add(1)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(bytes.Repeat([]byte{0xFF}, 16384))
	})

	mux.HandleFunc("GET /v1/user/subscription", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") == "sk-bad" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_, _ = w.Write([]byte(`{"tier":"creator","character_count":2500,"character_limit":10000}`))
	})

	mux.HandleFunc("GET /v1/voices", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"rachel","name":"Rachel","category":"premade"},
			{"voice_id":"adam","name":"Adam","category":"premade"}]}`))
	})

	svc.server = httptest.NewServer(mux)
	t.Cleanup(svc.server.Close)

	return svc
}

type testEnv struct {
	dir         string
	configPath  string
	keyringPath string
	outputDir   string
}

func newTestEnv(t *testing.T, baseURL, natsURL string) testEnv {
	t.Helper()

	dir := t.TempDir()
	env := testEnv{
		dir:         dir,
		configPath:  filepath.Join(dir, "project.toml"),
		keyringPath: filepath.Join(dir, "keyring.toml"),
		outputDir:   filepath.Join(dir, "out"),
	}

	config := fmt.Sprintf(configTemplate, env.outputDir, baseURL, natsURL != "", natsURL,
		filepath.Join(dir, "logs"), env.keyringPath)

	require.NoError(t, os.WriteFile(env.configPath, []byte(config), 0o600))
	require.NoError(t, os.WriteFile(env.keyringPath, []byte(testKeyring), 0o600))

	return env
}

func (e testEnv) writeBatch(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(e.dir, "batch.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func credentialByID(t *testing.T, path, id string) core.Credential {
	t.Helper()

	ring, err := keyring.Load(path)
	require.NoError(t, err)

	for _, cred := range ring.Credentials() {
		if cred.ID == id {
			return cred
		}
	}

	t.Fatalf("credential %s not found", id)

	return core.Credential{}
}

func readResults(t *testing.T, env testEnv) []*core.WorkItem {
	t.Helper()

	items, err := batch.Load(filepath.Join(env.outputDir, resultsFileName), batch.LoadOptions{KeepStatus: true})
	require.NoError(t, err)

	return items
}

func TestRun_SynthesizesBatchAndUpdatesKeyring(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")
	batchPath := env.writeBatch(t, "First line.", "", "Second line.", "Third line.")

	output, err := execute(t, "run", batchPath, "--config", env.configPath)
	require.NoError(t, err, output)

	items := readResults(t, env)
	require.Len(t, items, 3)

	for _, item := range items {
		assert.Equal(t, core.StatusDone, item.Status, item.ErrorMessage)
		assert.Equal(t, "Rachel", item.VoiceName)
		assert.FileExists(t, item.OutputPath)
	}

	assert.Contains(t, output, "Done: 3")
	assert.Contains(t, output, "item 1 done", "items are numbered from one like the output files")
	assert.Contains(t, output, "item 3 done")
	assert.NotContains(t, output, "item 0 ")
	assert.EqualValues(t, 3, svc.synthCalls.Load())

	// The rejected credential is persisted as invalid; the working one carries the usage.
	good := credentialByID(t, env.keyringPath, "good")
	bad := credentialByID(t, env.keyringPath, "bad")
	assert.Equal(t, len("First line.")+len("Second line.")+len("Third line."), good.Used)
	assert.False(t, bad.Valid)
}

func TestRun_ResumeSkipsDoneItems(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")
	batchPath := env.writeBatch(t, "Only line.")

	_, err := execute(t, "run", batchPath, "--config", env.configPath)
	require.NoError(t, err)

	calls := svc.synthCalls.Load()

	output, err := execute(t, "run", filepath.Join(env.outputDir, resultsFileName),
		"--config", env.configPath, "--resume")
	require.NoError(t, err)

	assert.Contains(t, output, msgNothingToDo)
	assert.Equal(t, calls, svc.synthCalls.Load())
}

func TestRun_FlagsOverrideConfig(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")
	batchPath := env.writeBatch(t, "hello   world")
	otherOutput := filepath.Join(env.dir, "elsewhere")

	_, err := execute(t, "run", batchPath, "--config", env.configPath,
		"--output", otherOutput, "--workers", "1", "--normalize")
	require.NoError(t, err)

	items, err := batch.Load(filepath.Join(otherOutput, resultsFileName), batch.LoadOptions{KeepStatus: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello world.", items[0].Text)
	assert.Equal(t, core.StatusDone, items[0].Status)
}

func TestRun_RequiresBatchArgument(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "run")
	require.Error(t, err)
}

func TestRun_PublishesToNATS(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	audioEvents := make(chan *nats.Msg, 8)
	sub, err := conn.ChanSubscribe("audio.chunk.created", audioEvents)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, server.ClientURL())
	batchPath := env.writeBatch(t, "One.", "Two.")

	output, err := execute(t, "run", batchPath, "--config", env.configPath)
	require.NoError(t, err, output)
	assert.Contains(t, output, "wf-cli")

	keys := make([]string, 0, 2)

	for range 2 {
		select {
		case msg := <-audioEvents:
			var event events.AudioChunkCreatedEvent
			require.NoError(t, json.Unmarshal(msg.Data, &event))
			assert.Equal(t, "wf-cli", event.Header.WorkflowID)
			assert.Equal(t, 2, event.TotalPages)
			keys = append(keys, event.AudioKey)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for audio events")
		}
	}

	assert.ElementsMatch(t, []string{"wf-cli/00001.mp3", "wf-cli/00002.mp3"}, keys)
}

func TestCredits_RefreshesAndMarksInvalid(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")

	output, err := execute(t, "credits", "--config", env.configPath)
	require.NoError(t, err, output)

	assert.Contains(t, output, "7,500")
	assert.Contains(t, output, "marked invalid")

	good := credentialByID(t, env.keyringPath, "good")
	assert.Equal(t, 2500, good.Used)
	assert.Equal(t, 10000, good.Limit)
	assert.False(t, credentialByID(t, env.keyringPath, "bad").Valid)
}

func TestSay_WritesSingleFile(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")
	target := filepath.Join(env.dir, "hello.mp3")

	// Disable the rejected key so the least-used credential is the good one.
	require.NoError(t, os.WriteFile(env.keyringPath,
		[]byte(strings.Replace(testKeyring, `key = "sk-bad"`, `key = "sk-bad"`+"\nenabled = false", 1)), 0o600))

	output, err := execute(t, "say", "Hello there.", "--config", env.configPath, "--out", target)
	require.NoError(t, err, output)

	assert.FileExists(t, target)
	assert.Equal(t, len("Hello there."), credentialByID(t, env.keyringPath, "good").Used)
}

func TestSay_RequiresVoice(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")

	config, err := os.ReadFile(env.configPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.configPath,
		[]byte(strings.Replace(string(config), `default_voice_id = "rachel"`, "", 1)), 0o600))

	_, err = execute(t, "say", "Hello.", "--config", env.configPath)
	require.ErrorIs(t, err, ErrNoVoice)
}

func TestVoices_ImportMergesIntoKeyring(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")

	output, err := execute(t, "voices", "--config", env.configPath, "--import")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Imported 1 new voices")

	ring, err := keyring.Load(env.keyringPath)
	require.NoError(t, err)
	require.Len(t, ring.Voices(), 2)
	assert.Equal(t, "Adam", ring.VoiceName("adam"))
}

func TestKeyringFlagOverridesConfig(t *testing.T) {
	t.Parallel()

	svc := newFakeService(t)
	env := newTestEnv(t, svc.server.URL, "")
	emptyKeyring := filepath.Join(env.dir, "empty.toml")

	_, err := execute(t, "credits", "--config", env.configPath, "--keyring", emptyKeyring)
	require.ErrorIs(t, err, ErrNoCredentialsConfigured)
}
