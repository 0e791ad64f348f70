package stores

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructors = make(map[string]Constructor)
	opened       = make(map[string]Store)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage
// schemes. This should be called during initialization to register all
// available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// Open returns a Store for the given endpoint URL, constructing and caching
// it on first use. The URL scheme selects the registered provider.
func Open(endpoint string) (Store, error) {
	// Fast path: the store was already constructed.
	storesMu.RLock()
	if store, ok := opened[endpoint]; ok {
		storesMu.RUnlock()
		return store, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	if store, ok := opened[endpoint]; ok {
		return store, nil
	}

	var ep, err = url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing store endpoint: %w", err)
	}
	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme: %s", ep.Scheme)
	}

	store, err := constructor(ep)
	if err != nil {
		// Don't cache; the next Open retries construction.
		return nil, err
	}
	opened[endpoint] = store
	activeStores.Set(float64(len(opened)))

	return store, nil
}

var activeStores = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pagevault_store_active",
	Help: "Number of active object stores",
})
