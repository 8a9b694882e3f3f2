package annotator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aceteam-ai/captioner/internal/worker"
)

// fakeOllama records generate requests and replies with a scripted handler.
type fakeOllama struct {
	mu       sync.Mutex
	requests []map[string]any
	reply    func(w http.ResponseWriter, req map[string]any)
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/ps":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llava:7b", "model": "llava:7b", "size_vram": 5 << 30},
				{"name": "other:1b", "model": "other:1b", "size_vram": 1 << 30},
			},
		})
	case "/api/generate":
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		if f.reply != nil {
			f.reply(w, req)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"response": "", "done": true})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func setup(t *testing.T, reply func(w http.ResponseWriter, req map[string]any)) (*Ollama, *fakeOllama, string) {
	t.Helper()
	fake := &fakeOllama{reply: reply}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "shapes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "shapes", "a.png"), []byte("PNGDATA"), 0o644))

	o := NewOllama(Options{Endpoints: []string{server.URL}, ImageRoot: root})
	return o, fake, root
}

func TestOllama_LoadGenerateUnload(t *testing.T) {
	o, fake, _ := setup(t, func(w http.ResponseWriter, req map[string]any) {
		if _, ok := req["prompt"]; ok {
			writeJSON(w, http.StatusOK, map[string]any{"response": "  Assistant: A red square on white.  ", "done": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"response": "", "done": true})
	})
	ctx := context.Background()

	h, err := o.Load(ctx, 0)
	require.NoError(t, err)

	caption, err := o.Generate(ctx, h, worker.Task{ImageID: "shapes/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "A red square on white.", caption)

	require.NoError(t, o.Unload(ctx, h))

	require.Len(t, fake.requests, 3)
	load, gen, unload := fake.requests[0], fake.requests[1], fake.requests[2]

	assert.Equal(t, DefaultKeepAlive, load["keep_alive"])
	assert.NotContains(t, load, "prompt")

	assert.Equal(t, DefaultPrompt, gen["prompt"])
	assert.Equal(t, false, gen["stream"])
	images := gen["images"].([]any)
	require.Len(t, images, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("PNGDATA")), images[0])
	opts := gen["options"].(map[string]any)
	assert.Equal(t, float64(DefaultMaxTokens), opts["num_predict"])

	assert.Equal(t, float64(0), unload["keep_alive"])
}

func TestOllama_MissingImageIsInvalidInput(t *testing.T) {
	o, fake, _ := setup(t, nil)
	ctx := context.Background()
	h, err := o.Load(ctx, 0)
	require.NoError(t, err)

	_, err = o.Generate(ctx, h, worker.Task{ImageID: "shapes/missing.png"})
	assert.ErrorIs(t, err, worker.ErrInvalidInput)
	assert.Len(t, fake.requests, 1, "no generate request for a missing image")
}

func TestOllama_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{"oom", http.StatusInternalServerError, "llama runner process has terminated: CUDA error: out of memory", worker.ErrResourceExhausted},
		{"bad image", http.StatusBadRequest, "failed to decode image: unknown format", worker.ErrInvalidInput},
		{"generic", http.StatusInternalServerError, "model runner crashed", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _ := setup(t, func(w http.ResponseWriter, req map[string]any) {
				if _, ok := req["prompt"]; ok {
					writeJSON(w, tt.status, map[string]string{"error": tt.msg})
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"done": true})
			})
			ctx := context.Background()
			h, err := o.Load(ctx, 0)
			require.NoError(t, err)

			_, err = o.Generate(ctx, h, worker.Task{ImageID: "shapes/a.png"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			} else {
				assert.False(t, errors.Is(err, worker.ErrResourceExhausted) || errors.Is(err, worker.ErrInvalidInput))
			}
		})
	}
}

func TestOllama_LoadFailure(t *testing.T) {
	o, _, _ := setup(t, func(w http.ResponseWriter, req map[string]any) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model 'llava:7b' not found"})
	})
	_, err := o.Load(context.Background(), 0)
	assert.ErrorContains(t, err, "not found")
}

func TestOllama_EmptyCaptionIsError(t *testing.T) {
	o, _, _ := setup(t, nil)
	ctx := context.Background()
	h, err := o.Load(ctx, 0)
	require.NoError(t, err)

	_, err = o.Generate(ctx, h, worker.Task{ImageID: "shapes/a.png"})
	assert.Error(t, err)
}

func TestOllama_MemoryFootprint(t *testing.T) {
	o, _, _ := setup(t, nil)
	ctx := context.Background()
	h, err := o.Load(ctx, 0)
	require.NoError(t, err)

	footprint, err := o.MemoryFootprint(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(5<<30), footprint)
}

func TestOllama_EndpointRoundRobin(t *testing.T) {
	o := NewOllama(Options{Endpoints: []string{"http://gpu0:11434", "http://gpu1:11434/"}})
	assert.Equal(t, "http://gpu0:11434", o.clients[0].BaseURL)
	assert.Equal(t, "http://gpu1:11434", o.clients[1].BaseURL)

	// Load fails to connect, but the handle selection is what matters here
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Load(ctx, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOllama_InvalidHandle(t *testing.T) {
	o := NewOllama(Options{})
	_, err := o.Generate(context.Background(), "not-a-handle", worker.Task{ImageID: "x.png"})
	assert.Error(t, err)
}

func TestCleanCaption(t *testing.T) {
	tests := []struct {
		in, prompt, want string
	}{
		{"A cat.", "", "A cat."},
		{"User: describe\nAssistant: A dog running.", "", "A dog running."},
		{"describe it A tree.", "describe it", "A tree."},
		{"   \n", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanCaption(tt.in, tt.prompt))
	}
}
