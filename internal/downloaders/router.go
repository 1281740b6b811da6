package downloaders

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/utils"
)

// Router picks a connection factory by url scheme.
type Router struct {
	routes map[string]engine.ConnectionFactory
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]engine.ConnectionFactory)}
}

func (r *Router) Register(factory engine.ConnectionFactory, schemes ...string) {
	for _, s := range schemes {
		r.routes[strings.ToLower(s)] = factory
	}
}

func (r *Router) Create(rawURL string) (engine.Connection, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidURL, err)
	}
	factory, ok := r.routes[strings.ToLower(parsedURL.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", utils.ErrUnsupportedScheme, parsedURL.Scheme)
	}
	return factory.Create(rawURL)
}
