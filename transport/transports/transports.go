// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/dstilson/pipewright/transport/channel"
	_ "github.com/dstilson/pipewright/transport/jetstream"
	_ "github.com/dstilson/pipewright/transport/sqs"
	_ "github.com/dstilson/pipewright/transport/wmill"
)
