// Copyright 2021 The Nirvana Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pinger sends a complex_ping request to a peer domain, grounded on
// Domain::complex_ping's remote counterpart.
type Pinger interface {
	Ping(ctx context.Context, domain *Domain, add, del []ObjectKey) error
}

// DGC drives the distributed garbage collector's heartbeat: it visits
// every tracked Domain at a bounded rate and pushes its pending add
// batch with an empty delete list, retrying transient failures with
// backoff (spec §4.9, "DGC heartbeat").
type DGC struct {
	pinger  Pinger
	limiter *rate.Limiter
	log     *logrus.Entry

	mu      domainSet
}

// domainSet is a plain slice that neither Track nor Sweep locks; DGC sweeps rarely track more
// than a handful of live peers so a slice beats a map for iteration.
type domainSet struct {
	domains []*Domain
}

// NewDGC creates a DGC that pings at most ratePerSec domains per
// second, bursting up to burst, via pinger.
func NewDGC(pinger Pinger, ratePerSec float64, burst int, log *logrus.Logger) *DGC {
	if log == nil {
		log = logrus.New()
	}
	return &DGC{
		pinger:  pinger,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		log:     log.WithField("component", "dgc"),
	}
}

// Track registers d to be visited by future Sweep calls.
func (g *DGC) Track(d *Domain) { g.mu.domains = append(g.mu.domains, d) }

// Sweep visits every tracked domain once, waiting for the rate
// limiter before each ping and retrying failures with exponential
// backoff up to maxElapsed.
func (g *DGC) Sweep(ctx context.Context, maxElapsed time.Duration) {
	for _, d := range g.mu.domains {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		add := d.PendingAdd()
		if len(add) == 0 {
			continue
		}

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxElapsed
		op := func() error {
			return g.pinger.Ping(ctx, d, add, nil)
		}
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			g.log.WithError(err).WithField("domain", d.ID).Warn("complex_ping failed after retries")
		} else {
			d.RequestIn(time.Now())
		}
	}
}

// IsGarbage reports whether d has gone quiet longer than ttl, the
// signal RemoteDomains.housekeeping uses to drop stale peer entries
// (spec: "is_garbage").
func (d *Domain) IsGarbage(now time.Time, ttl time.Duration) bool {
	return now.Sub(d.LatestRequestInTime()) > ttl
}
