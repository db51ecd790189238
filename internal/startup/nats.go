package startup

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/whisper/internal/logger"
)

// ConnectNATSWithRetry подключается к NATS; после установки соединения переподключения делает сам клиент.
func ConnectNATSWithRetry(url, name string, maxWait time.Duration, logPrefix string) (*nats.Conn, error) {
	var nc *nats.Conn
	err := retry("nats connect", maxWait, logPrefix, func() error {
		conn, err := nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Errorf("%snats disconnected: %v", logPrefix, err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Infof("%snats reconnected to %s", logPrefix, c.ConnectedUrl())
			}),
		)
		if err != nil {
			return err
		}
		nc = conn
		return nil
	})
	return nc, err
}
