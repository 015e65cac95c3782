package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/ligustah/picfetch/pkg/downloader"
	"github.com/ligustah/picfetch/pkg/imagecache"
)

// Params are the Collector's dependencies.
type Params struct {
	fx.In

	Registerer prometheus.Registerer `optional:"true"`
}

// Module provides a *Collector and exposes it as the coordinator and cache
// observers.
var Module = fx.Module("metrics",
	fx.Provide(
		NewFromParams,
		func(c *Collector) downloader.Observer { return c },
		func(c *Collector) imagecache.Observer { return c },
	),
)

// NewFromParams creates a Collector registered with p.Registerer, or with
// the default registerer when none is provided.
func NewFromParams(p Params) (*Collector, error) {
	reg := p.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return New(reg)
}
