package gateway

import (
	"fmt"
	"sync"

	"ledger-service/internal/models"
)

// Registry holds the configured gateway integrations by code
type Registry struct {
	mu          sync.RWMutex
	parsers     map[models.GatewayCode]WebhookParser
	dispatchers map[models.GatewayCode]RefundDispatcher
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		parsers:     make(map[models.GatewayCode]WebhookParser),
		dispatchers: make(map[models.GatewayCode]RefundDispatcher),
	}
}

// RegisterParser adds a webhook parser
func (r *Registry) RegisterParser(p WebhookParser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.Code()] = p
}

// RegisterDispatcher adds a refund dispatcher
func (r *Registry) RegisterDispatcher(d RefundDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.Code()] = d
}

// Parser returns the webhook parser for a gateway
func (r *Registry) Parser(code models.GatewayCode) (WebhookParser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedGateway, code)
	}
	return p, nil
}

// Dispatcher returns the refund dispatcher for a gateway
func (r *Registry) Dispatcher(code models.GatewayCode) (RefundDispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[code]
	if !ok {
		return nil, fmt.Errorf("%w: no refund dispatcher for %s", models.ErrUnsupportedGateway, code)
	}
	return d, nil
}

// Config holds gateway credentials
type Config struct {
	StripeSecretKey       string
	StripeWebhookSecret   string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	GenericWebhookSecret  string
}

// NewRegistryFromConfig registers every gateway that has credentials
func NewRegistryFromConfig(cfg Config) *Registry {
	r := NewRegistry()

	if stripeGw, err := NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret); err == nil {
		r.RegisterParser(stripeGw)
		r.RegisterDispatcher(stripeGw)
	}
	if razorpayGw, err := NewRazorpayGateway(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayWebhookSecret); err == nil {
		r.RegisterParser(razorpayGw)
		r.RegisterDispatcher(razorpayGw)
	}
	if cfg.GenericWebhookSecret != "" {
		r.RegisterParser(NewGenericGateway(cfg.GenericWebhookSecret))
	}
	return r
}
