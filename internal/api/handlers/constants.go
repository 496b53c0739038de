package handlers

import (
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
)

const (
	// Activity listing
	DefaultActivityLimit = 20
	MaxActivityLimit     = constants.MaxActivityLogs

	// Status server
	HandlerTimeout     = 5 * time.Second
	StatusRequestRate  = 20.0
	StatusRequestBurst = 40
)
