package tts_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVoiceID = "voice-1"
	testSecret  = "sk-test-secret"
	// One second of 128 kbps audio.
	testAudioSize = 16384
)

func testRequest(t *testing.T) core.SynthesisRequest {
	t.Helper()

	return core.SynthesisRequest{
		Text:       "Hello, world!",
		VoiceID:    testVoiceID,
		Settings:   core.DefaultVoiceSettings(),
		Credential: core.Credential{ID: "k1", Secret: testSecret, Valid: true, Enabled: true},
		OutputPath: filepath.Join(t.TempDir(), "nested", "00001.mp3"),
	}
}

type capturedRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
		Style           float64 `json:"style"`
		UseSpeakerBoost bool    `json:"use_speaker_boost"`
		Speed           float64 `json:"speed"`
	} `json:"voice_settings"`
}

func TestClient_Synthesize_Success(t *testing.T) {
	t.Parallel()

	audio := bytes.Repeat([]byte{0xff}, testAudioSize)

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, http.MethodPost, request.Method)
		assert.Equal(t, "/v1/text-to-speech/"+testVoiceID, request.URL.Path)
		assert.Equal(t, "mp3_44100_128", request.URL.Query().Get("output_format"))
		assert.Equal(t, testSecret, request.Header.Get("xi-api-key"))
		assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
		assert.Equal(t, "audio/mpeg", request.Header.Get("Accept"))

		var body capturedRequest

		assert.NoError(t, json.NewDecoder(request.Body).Decode(&body))
		assert.Equal(t, "Hello, world!", body.Text)
		assert.Equal(t, core.ModelV3, body.ModelID)
		assert.InDelta(t, 0.5, body.VoiceSettings.Stability, 0.001)
		assert.InDelta(t, 0.75, body.VoiceSettings.SimilarityBoost, 0.001)
		assert.True(t, body.VoiceSettings.UseSpeakerBoost)
		assert.InDelta(t, 1.0, body.VoiceSettings.Speed, 0.001)

		writer.Header().Set("Content-Type", "audio/mpeg")
		_, _ = writer.Write(audio)
	}))
	defer server.Close()

	client := tts.NewClient(server.URL, 5*time.Second, nil)
	req := testRequest(t)

	result, err := client.Synthesize(context.Background(), req)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, result.DurationSeconds, 0.001)
	assert.Equal(t, core.ModelV3, result.Model)

	written, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, audio, written)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(req.OutputPath), ".partial-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestClient_Synthesize_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		status      int
		body        string
		kind        core.FailureKind
		wantMessage string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"detail":"slow down"}`, kind: core.FailureRateLimited, wantMessage: "slow down"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`, kind: core.FailureAuthInvalid, wantMessage: "Invalid API key"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", kind: core.FailureTransient, wantMessage: "boom"},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: "", kind: core.FailureTransient, wantMessage: "no response body"},
		{name: "request timeout", status: http.StatusRequestTimeout, body: "", kind: core.FailureTransient, wantMessage: "HTTP 408"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"detail":{"message":"voice not found"}}`, kind: core.FailureFatal, wantMessage: "voice not found"},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, body: `{"other":true}`, kind: core.FailureFatal, wantMessage: `{"other":true}`},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			defer server.Close()

			client := tts.NewClient(server.URL, 5*time.Second, nil)
			req := testRequest(t)

			_, err := client.Synthesize(context.Background(), req)
			require.Error(t, err)

			var synthErr *core.SynthesisError
			require.ErrorAs(t, err, &synthErr)
			assert.Equal(t, testCase.kind, synthErr.Kind)
			assert.Equal(t, testCase.status, synthErr.StatusCode)
			assert.Contains(t, err.Error(), testCase.wantMessage)

			_, statErr := os.Stat(req.OutputPath)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestClient_Synthesize_EmptyAudioIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := tts.NewClient(server.URL, 5*time.Second, nil)
	req := testRequest(t)

	_, err := client.Synthesize(context.Background(), req)
	require.ErrorIs(t, err, tts.ErrEmptyResponse)
	assert.Equal(t, core.FailureTransient, core.KindOf(err))

	_, statErr := os.Stat(req.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestClient_Synthesize_ValidatesBeforeSending(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := tts.NewClient(server.URL, 5*time.Second, nil)

	for _, mutate := range []func(*core.SynthesisRequest){
		func(r *core.SynthesisRequest) { r.Text = "" },
		func(r *core.SynthesisRequest) { r.VoiceID = "" },
		func(r *core.SynthesisRequest) { r.OutputPath = "" },
	} {
		req := testRequest(t)
		mutate(&req)

		_, err := client.Synthesize(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, core.FailureFatal, core.KindOf(err))
	}

	assert.Zero(t, hits.Load())
}

func TestClient_Synthesize_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := tts.NewClient(baseURL, time.Second, nil)

	_, err := client.Synthesize(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.Equal(t, core.FailureTransient, core.KindOf(err))
	assert.Contains(t, err.Error(), "failed to send request")
}

func TestClient_Synthesize_RoutesThroughProxy(t *testing.T) {
	t.Parallel()

	var proxiedHost atomic.Value

	proxy := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		proxiedHost.Store(request.Host)
		_, _ = writer.Write([]byte("audio-through-proxy"))
	}))
	defer proxy.Close()

	host, portText, err := net.SplitHostPort(proxy.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	client := tts.NewClient("http://tts.example.invalid", 5*time.Second, nil)
	req := testRequest(t)
	req.Proxy = &core.ProxyBinding{ID: "p1", Host: host, Port: port, Type: core.ProxyHTTP, Enabled: true, Healthy: true}

	_, err = client.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tts.example.invalid", proxiedHost.Load())
}

func TestClient_Subscription(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("xi-api-key") != testSecret {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))

			return
		}

		assert.Equal(t, "/v1/user/subscription", request.URL.Path)
		_, _ = writer.Write([]byte(`{"tier":"creator","character_count":1200,"character_limit":100000}`))
	}))
	defer server.Close()

	client := tts.NewClient(server.URL, 5*time.Second, nil)

	subscription, err := client.Subscription(context.Background(), core.Credential{ID: "k1", Secret: testSecret}, nil)
	require.NoError(t, err)
	assert.Equal(t, tts.Subscription{Tier: "creator", CharacterCount: 1200, CharacterLimit: 100000}, subscription)

	_, err = client.Subscription(context.Background(), core.Credential{ID: "k2", Secret: "wrong"}, nil)
	require.Error(t, err)
	assert.Equal(t, core.FailureAuthInvalid, core.KindOf(err))
}

func TestClient_Voices(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "/v1/voices", request.URL.Path)
		_, _ = writer.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`))
	}))
	defer server.Close()

	client := tts.NewClient(server.URL, 5*time.Second, nil)

	voices, err := client.Voices(context.Background(), core.Credential{ID: "k1", Secret: testSecret}, nil)
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, "Rachel", voices[0].Name)
	assert.Equal(t, "american", voices[0].Labels["accent"])
}

func TestClient_Voices_MalformedResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := tts.NewClient(server.URL, 5*time.Second, nil)

	_, err := client.Voices(context.Background(), core.Credential{ID: "k1", Secret: testSecret}, nil)
	require.Error(t, err)
	assert.Equal(t, core.FailureFatal, core.KindOf(err))

	var synthErr *core.SynthesisError
	require.True(t, errors.As(err, &synthErr))
	assert.Equal(t, http.StatusOK, synthErr.StatusCode)
}
