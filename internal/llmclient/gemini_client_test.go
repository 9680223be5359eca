package llmclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// setupGeminiClient rigs up a GeminiClient pointed at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL
	cfg.SafetyFilters = map[string]string{"harm_category_harassment": "block_none"}

	client, err := NewGeminiClient(context.Background(), cfg, zap.New(loggerCore))
	require.NoError(t, err, "NewGeminiClient initialization failed")
	client.backoffFactory = fastBackOff(3)
	return client, observedLogs
}

const geminiSuccess = `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"type\":\"CLICK\"}"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`

func TestNewGeminiClient_Failure_MissingAPIKey(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(context.Background(), cfg, setupTestLogger(t))
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "Gemini API Key is required")
}

func TestGeminiBuildGenerateConfig(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {})

	gc := client.buildGenerateConfig(createTestRequest())
	require.NotNil(t, gc.Temperature)
	assert.InDelta(t, 0.7, *gc.Temperature, 0.0001)
	assert.EqualValues(t, 500, gc.MaxOutputTokens)
	assert.Equal(t, "application/json", gc.ResponseMIMEType)
	require.NotNil(t, gc.SystemInstruction)
	require.Len(t, gc.SystemInstruction.Parts, 1)
	assert.Equal(t, "System prompt instructions.", gc.SystemInstruction.Parts[0].Text)
	require.NotNil(t, gc.TopK)
	assert.InDelta(t, 50, *gc.TopK, 0.0001)
	require.Len(t, gc.SafetySettings, 1)
	assert.Equal(t, genai.HarmCategory("HARM_CATEGORY_HARASSMENT"), gc.SafetySettings[0].Category)
	assert.Equal(t, genai.HarmBlockThreshold("BLOCK_NONE"), gc.SafetySettings[0].Threshold)

	req := createTestRequest()
	req.Options.ForceJSONFormat = false
	req.SystemPrompt = ""
	gc = client.buildGenerateConfig(req)
	assert.Empty(t, gc.ResponseMIMEType)
	assert.Nil(t, gc.SystemInstruction)
}

func TestGeminiGenerate_Success(t *testing.T) {
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/test-model:generateContent"), r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "User query.")
		assert.Contains(t, string(body), "application/json")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, geminiSuccess)
	})

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"CLICK"}`, out)
	assert.Equal(t, 1, logs.FilterMessage("LLM generation complete (Gemini)").Len())
}

func TestGeminiGenerate_RetryOnTransientErrors(t *testing.T) {
	var calls int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
			return
		}
		_, _ = io.WriteString(w, geminiSuccess)
	})

	out, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"CLICK"}`, out)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestGeminiGenerate_NoRetryOnPermanentErrors(t *testing.T) {
	var calls int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	var apiErr *schemas.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGeminiGenerate_SafetyBlock(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"SAFETY"}]}`)
	})

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked the request")
}
