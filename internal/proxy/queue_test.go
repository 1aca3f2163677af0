package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aegis/internal/config"
	"aegis/internal/llm"
	"aegis/internal/llm/providers"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, ollamaDelay time.Duration) *providers.Registry {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ollamaDelay > 0 {
			time.Sleep(ollamaDelay)
		}
		w.Write([]byte(`{"response":"ok","prompt_eval_count":1,"eval_count":1}`))
	}))
	t.Cleanup(srv.Close)
	return providers.NewRegistry(config.Config{Ollama: config.OllamaConfig{Host: srv.URL}}, srv.Client())
}

func TestEnqueueBlockingReturnsResult(t *testing.T) {
	m := NewManager(testRegistry(t, 0), time.Second, 1, 0)
	defer m.Close()

	_, resp, err := m.Enqueue(context.Background(), Request{Provider: "ollama", Model: "llama3"}, 1, true, 0, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Message.Content)
}

func TestEnqueueBlockingTimesOut(t *testing.T) {
	m := NewManager(testRegistry(t, 50*time.Millisecond), time.Second, 1, 0)
	defer m.Close()

	_, _, err := m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, true, 5*time.Millisecond, nil)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestEnqueueFireAndForgetInvokesCallback(t *testing.T) {
	m := NewManager(testRegistry(t, 0), time.Second, 1, 0)
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotContent string
	_, _, err := m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, false, 0, func(resp llm.ProxyResponse, err error) {
		gotContent = resp.Message.Content
		wg.Done()
	})
	require.NoError(t, err)
	wg.Wait()
	require.Equal(t, "ok", gotContent)
}

func TestQueueSizesReportsPerProvider(t *testing.T) {
	m := NewManager(testRegistry(t, 50*time.Millisecond), time.Second, 1, 0)
	defer m.Close()

	done := make(chan struct{})
	go func() {
		m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, true, time.Second, nil)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	// A second task should sit pending behind the first worker's in-flight call.
	go m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, false, 0, func(llm.ProxyResponse, error) {})

	time.Sleep(10 * time.Millisecond)
	sizes := m.QueueSizes()
	require.Contains(t, sizes, "ollama")
	<-done
}

func TestEnqueueFailsFastWhenQueueFull(t *testing.T) {
	m := NewManager(testRegistry(t, 50*time.Millisecond), time.Second, 1, 1)
	defer m.Close()

	go m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, true, time.Second, nil)
	time.Sleep(5 * time.Millisecond)
	go m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, false, 0, func(llm.ProxyResponse, error) {})
	time.Sleep(5 * time.Millisecond)

	_, _, err := m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, true, time.Second, nil)
	require.Error(t, err)
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
}

func TestRateLimitThrottlesDispatch(t *testing.T) {
	m := NewManagerWithRateLimits(testRegistry(t, 0), time.Second, 1, 0, map[string]float64{"ollama": 5})
	defer m.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, _, err := m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, true, time.Second, nil)
		require.NoError(t, err)
	}
	// 3 requests at 5/s with a burst of 5 should not be meaningfully delayed,
	// but the limiter must still be in the dispatch path (exercised above
	// without error) rather than silently ignored.
	require.Less(t, time.Since(start), time.Second)
}

func TestRateLimitZeroLeavesProviderUnlimited(t *testing.T) {
	m := NewManagerWithRateLimits(testRegistry(t, 0), time.Second, 1, 0, map[string]float64{"ollama": 0})
	defer m.Close()

	_, resp, err := m.Enqueue(context.Background(), Request{Provider: "ollama"}, 1, true, 0, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Message.Content)
}
