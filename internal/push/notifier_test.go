package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage/memory"
)

type onlineSet map[string]bool

func (o onlineSet) IsOnline(ctx context.Context, userID string) (bool, error) { return o[userID], nil }

type delivery struct {
	Endpoint string
	Payload  Payload
}

type fakePushService struct {
	mu       sync.Mutex
	got      []delivery
	statuses map[string]int
}

func (f *fakePushService) send(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
	var p Payload
	if err := json.Unmarshal(message, &p); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, delivery{Endpoint: sub.Endpoint, Payload: p})
	status := http.StatusCreated
	if s, ok := f.statuses[sub.Endpoint]; ok {
		status = s
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakePushService) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, d := range f.got {
		out = append(out, d.Endpoint)
	}
	return out
}

func subscription(endpoint string) model.PushSubscription {
	return model.PushSubscription{Endpoint: endpoint, Keys: model.PushKeys{P256dh: "p256", Auth: "auth"}}
}

var testKeys = &Keys{Public: "pub", Private: "priv"}

func TestNotifier_OnlyOfflineRecipients(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.AddPushSubscription(ctx, "bob", subscription("https://push.example/bob")))
	require.NoError(t, store.AddPushSubscription(ctx, "carol", subscription("https://push.example/carol")))
	require.NoError(t, store.AddPushSubscription(ctx, "alice", subscription("https://push.example/alice")))

	svc := &fakePushService{}
	n := NewNotifier(store, onlineSet{"carol": true}, testKeys, "mailto:ops@example.com")
	n.send = svc.send

	conv := &model.Conversation{ID: "c1", Type: model.ConversationGroup, Name: "Team"}
	msg := &model.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Type: model.MessageText,
		Content: "standup in 5", Sender: &model.UserPublic{ID: "alice", Username: "Alice"}}
	n.MessageCreated(conv, msg, []string{"alice", "bob", "carol"})
	n.Close()

	require.Equal(t, []string{"https://push.example/bob"}, svc.endpoints())
	p := svc.got[0].Payload
	assert.Equal(t, "Alice @ Team", p.Title)
	assert.Equal(t, "standup in 5", p.Body)
	assert.Equal(t, PayloadData{ConversationID: "c1", MessageID: "m1"}, p.Data)
}

func TestNotifier_RemovesExpiredSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.AddPushSubscription(ctx, "bob", subscription("https://push.example/gone")))
	require.NoError(t, store.AddPushSubscription(ctx, "bob", subscription("https://push.example/live")))

	svc := &fakePushService{statuses: map[string]int{"https://push.example/gone": http.StatusGone}}
	n := NewNotifier(store, onlineSet{}, testKeys, "mailto:ops@example.com")
	n.send = svc.send

	n.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{ID: "m1", SenderID: "alice", Content: "hi"}, []string{"alice", "bob"})
	n.Close()

	assert.ElementsMatch(t, []string{"https://push.example/gone", "https://push.example/live"}, svc.endpoints())
	subs, err := store.PushSubscriptions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/live", subs[0].Endpoint)
}

func TestNotifier_DisabledWithoutKeys(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.AddPushSubscription(context.Background(), "bob", subscription("https://push.example/bob")))
	svc := &fakePushService{}
	n := NewNotifier(store, onlineSet{}, nil, "")
	n.send = svc.send

	assert.False(t, n.Enabled())
	assert.Empty(t, n.PublicKey())
	n.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{ID: "m1", SenderID: "alice"}, []string{"alice", "bob"})
	n.Close()
	assert.Empty(t, svc.endpoints())
}

func TestPreviewBody(t *testing.T) {
	assert.Equal(t, "📷 Photo", previewBody(&model.Message{Type: model.MessageImage}))
	assert.Equal(t, "📎 report.pdf", previewBody(&model.Message{Type: model.MessageDocument, FileName: "report.pdf"}))
	long := strings.Repeat("я", maxBodyLen+10)
	got := previewBody(&model.Message{Type: model.MessageText, Content: long})
	assert.Equal(t, strings.Repeat("я", maxBodyLen)+"…", got)
}

func TestSettings_GeneratesOnceAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vapid.json")
	st := Settings{KeysFile: path}

	first, err := st.resolve()
	require.NoError(t, err)
	require.NoError(t, first.check())
	// Публичный ключ P-256 без сжатия: 65 байт -> 87 символов base64url без паддинга.
	assert.Len(t, first.Public, 87)

	second, err := st.resolve()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSettings_EnvironmentPairWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	_, err := Settings{KeysFile: path}.resolve()
	require.NoError(t, err)

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	got, err := Settings{KeysFile: path, PublicKey: pub, PrivateKey: priv}.resolve()
	require.NoError(t, err)
	assert.Equal(t, &Keys{Public: pub, Private: priv}, got)

	_, err = Settings{KeysFile: path, PublicKey: "env-pub", PrivateKey: "env-priv"}.resolve()
	assert.Error(t, err)
	_, err = Settings{KeysFile: path, PublicKey: pub}.resolve()
	assert.Error(t, err, "half a pair is a misconfiguration")
}

func TestSettings_CorruptFileIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"public_key":"pub","private_key":"priv"}`), 0o600))

	keys, err := Settings{KeysFile: path}.resolve()
	require.NoError(t, err)
	require.NoError(t, keys.check())

	reread, err := readKeys(path)
	require.NoError(t, err)
	assert.Equal(t, keys, reread)
}

func TestSetup_BadKeysDisableSending(t *testing.T) {
	store := memory.New()
	n := Setup(store, onlineSet{}, Settings{PublicKey: "x", PrivateKey: "y"})
	defer n.Close()
	assert.False(t, n.Enabled())
	assert.Empty(t, n.PublicKey())

	on := Setup(store, onlineSet{}, Settings{KeysFile: filepath.Join(t.TempDir(), "vapid.json"), Subject: "mailto:ops@example.com"})
	defer on.Close()
	assert.True(t, on.Enabled())
	assert.Len(t, on.PublicKey(), 87)
}

func TestNotifier_CloseWaitsForDelivery(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.AddPushSubscription(context.Background(), "bob", subscription("https://push.example/bob")))
	slow := &fakePushService{}
	n := NewNotifier(store, onlineSet{}, testKeys, "mailto:ops@example.com")
	n.send = func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return slow.send(ctx, message, sub, opts)
	}
	n.MessageCreated(&model.Conversation{ID: "c1"}, &model.Message{ID: "m1", SenderID: "alice", Content: "x"}, []string{"alice", "bob"})
	n.Close()
	assert.Len(t, slow.endpoints(), 1)
}

func TestNotifier_CloseRacesWithNewMessages(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.AddPushSubscription(context.Background(), "bob", subscription("https://push.example/bob")))
	svc := &fakePushService{}
	n := NewNotifier(store, onlineSet{}, testKeys, "mailto:ops@example.com")
	n.send = svc.send
	conv := &model.Conversation{ID: "c1"}
	msg := &model.Message{ID: "m1", SenderID: "alice", Content: "x"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n.MessageCreated(conv, msg, []string{"alice", "bob"})
			}
		}()
	}
	n.Close()
	wg.Wait()

	settled := len(svc.endpoints())
	n.MessageCreated(conv, msg, []string{"alice", "bob"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, svc.endpoints(), settled, "nothing is sent after Close")
}
