// 文件: pkg/nats/conn.go
// NATS 连接参数

package nats

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const reconnectWait = 2 * time.Second

// dial 建连: 无限重连，断线和重连都打日志。name 出现在服务端的连接列表里
func dial(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] %s lost connection: %v", name, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[NATS] %s back on %s", name, c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[NATS] %s async error on %s: %v", name, sub.Subject, err)
				return
			}
			log.Printf("[NATS] %s async error: %v", name, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats dial %s: %w", url, err)
	}
	return conn, nil
}
