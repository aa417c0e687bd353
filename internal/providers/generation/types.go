package generation

import "context"

// GenerateRequest is the normalized input handed to any generation provider.
// Image inputs are passed as fetchable references; the provider decides how
// to deliver them to the model.
type GenerateRequest struct {
	Prompt        string
	SubjectRef    string
	GarmentRef    string
	BackgroundRef string
	AspectRatio   string
	Quality       string
	RequestID     string
}

// Image is the produced result.
type Image struct {
	Data []byte
	MIME string
}

// Generator is the contract implemented by all generation providers. Errors
// must be distinguishable: domain.ErrProviderRateLimited for throttling,
// domain.ErrInvalidInput / domain.ErrUnauthorized for non-retryable requests,
// anything else is treated as transient.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Image, error)
}
