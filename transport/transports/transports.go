// Package transports registers every built-in bus with the default
// registry. Import it for its side effects.
package transports

import (
	_ "github.com/drblury/idemflow/transport/channel"
	_ "github.com/drblury/idemflow/transport/jetstream"
	_ "github.com/drblury/idemflow/transport/kafka"
	_ "github.com/drblury/idemflow/transport/nats"
	_ "github.com/drblury/idemflow/transport/rabbitmq"
	_ "github.com/drblury/idemflow/transport/sqlite"
)
