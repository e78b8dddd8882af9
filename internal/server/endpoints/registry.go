package endpoints

import (
	"github.com/jackzampolin/readshelf/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},

		// Book endpoints
		&CreateBookEndpoint{},
		&CaptureCoverEndpoint{},
		&ListBooksEndpoint{},
		&GetBookEndpoint{},
		&DeleteBookEndpoint{},
		&UpdateProgressEndpoint{},

		// Page endpoints
		&ListPagesEndpoint{},
		&CapturePageEndpoint{},
		&GetPageEndpoint{},
		&PageImageEndpoint{},
		&RecaptureEndpoint{},
		&RetryPageEndpoint{},

		// Queue endpoints
		&QueueStateEndpoint{},
		&QueueEventsEndpoint{},
		&QueueStartEndpoint{},
	}
}
