package automation

import (
	"context"
	"sync"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/fieldpath"
)

// EnricherAssets is the enrichment name AssetCatalog.Enrich registers under.
const EnricherAssets = "assets"

var assetFields = []string{"host", "hostname", "asset", "dst_host"}

// AssetCatalog holds asset criticality values keyed by host or asset id, on
// the scale alert scoring uses.
type AssetCatalog struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewAssetCatalog copies values into a new catalog.
func NewAssetCatalog(values map[string]float64) *AssetCatalog {
	c := &AssetCatalog{}
	c.Set(values)
	return c
}

// Set replaces the catalog contents.
func (c *AssetCatalog) Set(values map[string]float64) {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	c.mu.Lock()
	c.values = cp
	c.mu.Unlock()
}

// Enrich is an enrich.Func. It reports the known assets an event touches
// and the highest criticality among them; events naming no known asset get
// no enrichment.
func (c *AssetCatalog) Enrich(_ context.Context, ev *event.Event) (interface{}, error) {
	var names []string
	for _, f := range assetFields {
		if s, ok := fieldpath.String(ev.Data, f); ok && s != "" {
			names = append(names, s)
		}
	}
	names = append(names, stringList(ev.Data["assets"])...)

	c.mu.RLock()
	defer c.mu.RUnlock()
	matched := make(map[string]interface{})
	top := 0.0
	for _, n := range names {
		v, ok := c.values[n]
		if !ok {
			continue
		}
		matched[n] = v
		if v > top {
			top = v
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return map[string]interface{}{
		"criticality": top,
		"matched":     matched,
	}, nil
}
