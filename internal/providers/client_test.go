package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func chatResponse(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return body
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL:           url,
		Model:             "test-model",
		Timeout:           5 * time.Second,
		RequestsPerMinute: 600,
	})
}

func TestClientExtractSuccess(t *testing.T) {
	var payload map[string]any
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatResponse(t, `{"pages":[{"pageNumber":"12","confidence":0.9,"chapterTitle":"Loomings","sentences":[{"text":"Call me Ishmael.","isComplete":true},{"text":"Some years ago","isComplete":false}]}]}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).Extract(context.Background(), "test-key", testPNG(t, 3000, 1000))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if auth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want per-call credential", auth)
	}
	if got, _ := payload["model"].(string); got != "test-model" {
		t.Errorf("model = %q", got)
	}
	rf, _ := payload["response_format"].(map[string]any)
	if got, _ := rf["type"].(string); got != "json_object" {
		t.Errorf("response_format.type = %q, want json_object", got)
	}

	messages, _ := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	parts, _ := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
	imagePart, _ := parts[1].(map[string]any)
	imageURL, _ := imagePart["image_url"].(map[string]any)
	url, _ := imageURL["url"].(string)
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("image url = %.40q, want jpeg data url", url)
	}

	if len(result.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(result.Pages))
	}
	page := result.Pages[0]
	if page.PageLabel == nil || *page.PageLabel != "12" {
		t.Errorf("page label = %v, want 12", page.PageLabel)
	}
	if page.ChapterTitle == nil || *page.ChapterTitle != "Loomings" {
		t.Errorf("chapter title = %v", page.ChapterTitle)
	}
	if !page.LastSentenceIncomplete() {
		t.Error("expected trailing sentence to stay incomplete")
	}
	if page.Text != "Call me Ishmael. Some years ago" {
		t.Errorf("text = %q", page.Text)
	}
}

func TestClientExtractErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		want       error
	}{
		{"unauthorized", http.StatusUnauthorized, "", `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, ErrInvalidCredential},
		{"payment required", http.StatusPaymentRequired, "", `{"error":{"message":"add credits","type":"","code":"402"}}`, ErrInsufficientCredits},
		{"quota exhausted", http.StatusTooManyRequests, "", `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, ErrInsufficientCredits},
		{"rate limited", http.StatusTooManyRequests, "3", `{"error":{"message":"slow down","type":"rate_limit_error","code":"rate_limit"}}`, ErrRateLimited},
		{"unauthorized insufficient permissions", http.StatusUnauthorized, "", `{"error":{"message":"You have insufficient permissions for this operation","type":"invalid_request_error","code":null}}`, ErrInvalidCredential},
		{"forbidden insufficient credits", http.StatusForbidden, "", `{"error":{"message":"Insufficient credits for this request","type":"","code":"403"}}`, ErrInsufficientCredits},
		{"bad request mentioning insufficient", http.StatusBadRequest, "", `{"error":{"message":"insufficient image resolution","type":"invalid_request_error","code":"400"}}`, ErrTransient},
		{"server error", http.StatusInternalServerError, "", `{"error":{"message":"boom","type":"server_error","code":"500"}}`, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Extract(context.Background(), "test-key", testPNG(t, 20, 20))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if Classify(err) != tt.want {
				t.Errorf("Classify() = %v, want %v", Classify(err), tt.want)
			}
			if got := requests.Load(); got != 1 {
				t.Errorf("expected exactly one request, got %d", got)
			}

			var exErr *ExtractionError
			if !errors.As(err, &exErr) {
				t.Fatalf("expected *ExtractionError, got %T", err)
			}
			if exErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", exErr.StatusCode, tt.status)
			}
			if tt.retryAfter == "3" && exErr.RetryAfter != 3*time.Second {
				t.Errorf("RetryAfter = %v, want 3s", exErr.RetryAfter)
			}
		})
	}
}

func TestClientExtractMissingCredential(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Extract(context.Background(), "  ", testPNG(t, 20, 20))
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("error = %v, want ErrMissingCredential", err)
	}
	if !IsRetryable(err) {
		t.Error("missing credential should count as retryable")
	}
	if requests.Load() != 0 {
		t.Error("no request should be sent without a credential")
	}
}

func TestClientExtractTitle(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)

	t.Run("parsed title", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(chatResponse(t, "```json\n{\"title\": \" Moby Dick \"}\n```"))
		}))
		defer server.Close()

		got := newTestClient(server.URL).ExtractTitle(context.Background(), "test-key", testPNG(t, 20, 20))
		if got != "Moby Dick" {
			t.Errorf("ExtractTitle() = %q, want Moby Dick", got)
		}
	})

	t.Run("terminal failure falls back without retry", func(t *testing.T) {
		var requests atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"","code":""}}`))
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		client.now = func() time.Time { return fixed }

		got := client.ExtractTitle(context.Background(), "test-key", testPNG(t, 20, 20))
		if got != "Book 2024-03-09 14:05" {
			t.Errorf("ExtractTitle() = %q, want placeholder", got)
		}
		if requests.Load() != 1 {
			t.Errorf("expected 1 request, got %d", requests.Load())
		}
	})

	t.Run("empty title falls back", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(chatResponse(t, `{"title":""}`))
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		client.now = func() time.Time { return fixed }
		if got := client.ExtractTitle(context.Background(), "test-key", testPNG(t, 20, 20)); got != "Book 2024-03-09 14:05" {
			t.Errorf("ExtractTitle() = %q, want placeholder", got)
		}
	})

	t.Run("undecodable image falls back", func(t *testing.T) {
		client := newTestClient("http://127.0.0.1:0")
		client.now = func() time.Time { return fixed }
		if got := client.ExtractTitle(context.Background(), "test-key", []byte("not an image")); got != "Book 2024-03-09 14:05" {
			t.Errorf("ExtractTitle() = %q, want placeholder", got)
		}
	})
}
