package events

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedReadyTimeout bounds how long StartEmbedded waits for the server.
const EmbeddedReadyTimeout = 5 * time.Second

// StartEmbedded runs an in-process NATS server for single-node deployments
// that have no broker. Port -1 picks a free port. Callers connect through
// the returned server's ClientURL and must call Shutdown.
func StartEmbedded(host string, port int) (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(EmbeddedReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready after %s", EmbeddedReadyTimeout)
	}
	return srv, nil
}
