package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/mtzanidakis/postdeck/internal/config"
)

const testToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw0"

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestFormatScan(t *testing.T) {
	text := FormatScan(ScanReport{
		Trigger:   "cron",
		Checked:   3,
		Published: 1,
		Failed:    1,
		Skipped:   1,
		Failures: []Failure{
			{JobID: "0f8e2a4c-1111-2222-3333-444455556666", Platform: "instagram", Error: "media required"},
		},
	})
	for _, want := range []string{"(cron)", "1 published", "1 failed", "1 skipped", "of 3 due", "job 0f8e2a4c on instagram: media required"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}

	if (ScanReport{Checked: 2, Skipped: 2}).Worth() {
		t.Error("a scan that only skipped is not worth a message")
	}
}

func TestNewTelegramRequiresChat(t *testing.T) {
	if _, err := NewTelegram(config.TelegramConfig{Token: testToken}); err == nil {
		t.Error("expected error without chat id")
	}
}

func TestTelegramNotify(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p struct {
			ChatID int64  `json:"chat_id"`
			Text   string `json:"text"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if p.ChatID != 42 {
			t.Errorf("expected chat 42, got %d", p.ChatID)
		}
		mu.Lock()
		texts = append(texts, p.Text)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	n, err := NewTelegram(config.TelegramConfig{Token: testToken, ChatID: 42}, telego.WithAPIServer(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 {
		t.Fatalf("expected message split in 2, got %d", len(texts))
	}
	if len(texts[0])+len(texts[1]) != 5000 {
		t.Errorf("expected all text delivered")
	}
}
