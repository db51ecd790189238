package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/storage"
)

// Keys - пара VAPID-ключей в base64url: несжатая точка P-256 и 32-байтный скаляр.
type Keys struct {
	Public  string `json:"public_key"`
	Private string `json:"private_key"`
}

// Settings описывает, откуда Setup берёт ключи. Пара из окружения важнее файла;
// если файла нет, ключи генерируются и записываются в KeysFile.
type Settings struct {
	KeysFile   string
	PublicKey  string
	PrivateKey string
	Subject    string
}

const defaultKeysFile = "config/vapid.json"

// Setup собирает Notifier. Без рабочих ключей Notifier выключен: подписки хранятся, отправки нет.
func Setup(subs storage.PushSubscriptionStore, presence Presence, st Settings) *Notifier {
	keys, err := st.resolve()
	if err != nil {
		logger.Errorf("push: VAPID: %v (web push disabled)", err)
	}
	return NewNotifier(subs, presence, keys, st.Subject)
}

func (st Settings) resolve() (*Keys, error) {
	if st.PublicKey != "" || st.PrivateKey != "" {
		k := &Keys{Public: st.PublicKey, Private: st.PrivateKey}
		if err := k.check(); err != nil {
			return nil, fmt.Errorf("VAPID_PUBLIC_KEY/VAPID_PRIVATE_KEY: %w", err)
		}
		return k, nil
	}
	path := st.KeysFile
	if path == "" {
		path = defaultKeysFile
	}
	k, err := readKeys(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("push: %s: %v, генерируем новую пару", path, err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	k = &Keys{Public: pub, Private: priv}
	if err := k.write(path); err != nil {
		// Ключи живут до рестарта, подписки клиентов после него придётся обновить.
		logger.Errorf("push: запись %s: %v", path, err)
		return k, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы, %s", path)
	return k, nil
}

func readKeys(path string) (*Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var k Keys
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, err
	}
	if err := k.check(); err != nil {
		return nil, err
	}
	return &k, nil
}

func (k *Keys) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (k *Keys) check() error {
	if b, err := decodeKey(k.Public); err != nil || len(b) != 65 || b[0] != 0x04 {
		return errors.New("public key is not an uncompressed P-256 point")
	}
	if b, err := decodeKey(k.Private); err != nil || len(b) != 32 {
		return errors.New("private key is not a 32-byte P-256 scalar")
	}
	return nil
}

// decodeKey принимает base64url и base64, с паддингом и без: так же ключи читает webpush.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
