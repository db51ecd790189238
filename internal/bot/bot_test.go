package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/internal/model"
)

type post struct {
	SenderID       string
	ConversationID string
	Content        string
}

type capturePoster struct {
	mu    sync.Mutex
	posts []post
	err   error
}

func (p *capturePoster) PostAs(ctx context.Context, senderID, conversationID, content string) (*model.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.posts = append(p.posts, post{senderID, conversationID, content})
	return &model.Message{ID: "reply", SenderID: senderID, ConversationID: conversationID, Content: content}, nil
}

func (p *capturePoster) all() []post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]post(nil), p.posts...)
}

type responderFunc func(ctx context.Context, text string) (string, error)

func (f responderFunc) Reply(ctx context.Context, text string) (string, error) { return f(ctx, text) }

var fast = Config{MinDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond}

func TestBot_RepliesWhenParticipant(t *testing.T) {
	poster := &capturePoster{}
	b := New("bot", poster, nil, fast)
	t.Cleanup(b.Close)

	conv := &model.Conversation{ID: "c1"}
	b.MessageCreated(conv, &model.Message{SenderID: "alice", Content: "tell me a joke", Type: model.MessageText}, []string{"alice", "bot"})

	require.Eventually(t, func() bool { return len(poster.all()) == 1 }, time.Second, 5*time.Millisecond)
	got := poster.all()[0]
	assert.Equal(t, "bot", got.SenderID)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Contains(t, got.Content, "arrays")
}

func TestBot_IgnoresOwnAndForeignConversations(t *testing.T) {
	poster := &capturePoster{}
	b := New("bot", poster, nil, fast)

	conv := &model.Conversation{ID: "c1"}
	b.MessageCreated(conv, &model.Message{SenderID: "bot", Content: "hello"}, []string{"alice", "bot"})
	b.MessageCreated(conv, &model.Message{SenderID: "alice", Content: "hello"}, []string{"alice", "bob"})
	b.MessageCreated(conv, &model.Message{SenderID: "alice", Type: model.MessageSystem}, []string{"alice", "bot"})

	b.Close()
	assert.Empty(t, poster.all())
}

func TestBot_ResponderFailureFallsBackToKeywords(t *testing.T) {
	poster := &capturePoster{}
	failing := responderFunc(func(ctx context.Context, text string) (string, error) {
		return "", errors.New("upstream down")
	})
	b := New("bot", poster, failing, fast)
	t.Cleanup(b.Close)

	b.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{SenderID: "alice", Content: "help"}, []string{"alice", "bot"})
	require.Eventually(t, func() bool { return len(poster.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, poster.all()[0].Content, "I can help you with")
}

func TestBot_PanicDoesNotEscape(t *testing.T) {
	poster := &capturePoster{}
	boom := responderFunc(func(ctx context.Context, text string) (string, error) { panic("boom") })
	b := New("bot", poster, boom, fast)

	b.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{SenderID: "alice", Content: "hi"}, []string{"alice", "bot"})
	b.Close()
	assert.Empty(t, poster.all())
}

func TestBot_CloseCancelsPendingReplies(t *testing.T) {
	poster := &capturePoster{}
	b := New("bot", poster, nil, Config{MinDelay: time.Hour, MaxDelay: time.Hour})

	b.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{SenderID: "alice", Content: "hi"}, []string{"alice", "bot"})
	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the pending reply")
	}
	assert.Empty(t, poster.all())

	b.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{SenderID: "alice", Content: "hi"}, []string{"alice", "bot"})
	assert.Empty(t, poster.all())
}

func TestBot_DelayWithinBounds(t *testing.T) {
	b := New("bot", &capturePoster{}, nil, Config{MinDelay: 1500 * time.Millisecond, MaxDelay: 2500 * time.Millisecond})
	defer b.Close()
	for i := 0; i < 100; i++ {
		d := b.delay()
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.Less(t, d, 2500*time.Millisecond)
	}
}

func TestKeywordResponder(t *testing.T) {
	cases := map[string]string{
		"Hello there":          "Hello! How can I help you today? 🤖",
		"what FEATURES exist?": "This app has Voice Calls, Video Calls, Groups, disappearing messages and me! 🚀",
		"Who are you":          "I am the AI Assistant built into this messenger.",
		"xyz":                  defaultReply,
	}
	for in, want := range cases {
		got, err := KeywordResponder{}.Reply(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestOpenAIResponder(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": "  Hi from the model  "}}},
		})
	}))
	defer srv.Close()

	r, err := NewOpenAIResponder(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)

	status = http.StatusOK
	got, err := r.Reply(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi from the model", got)

	status = http.StatusServiceUnavailable
	got, err = r.Reply(context.Background(), "joke please")
	require.NoError(t, err)
	assert.Contains(t, got, "arrays")

	_, err = NewOpenAIResponder(OpenAIConfig{}, nil)
	assert.Error(t, err)
}

func TestBot_CloseRacesWithNewMessages(t *testing.T) {
	poster := &capturePoster{}
	b := New("bot", poster, nil, fast)
	conv := &model.Conversation{ID: "c1"}
	msg := &model.Message{SenderID: "alice", Content: "hello", Type: model.MessageText}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.MessageCreated(conv, msg, []string{"alice", "bot"})
			}
		}()
	}
	b.Close()
	wg.Wait()

	settled := len(poster.all())
	b.MessageCreated(conv, msg, []string{"alice", "bot"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, poster.all(), settled, "no replies start after Close")
}
