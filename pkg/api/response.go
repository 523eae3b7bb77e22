package api

import (
	"github.com/marmos91/pmeta/pkg/api/handlers"
)

// Response is the envelope of every JSON answer of the status server.
type Response = handlers.Response
