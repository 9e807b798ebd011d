package backend

import (
	"context"
	"log"
	"time"
)

// StartHealthChecks runs the per-pool health check task described in
// spec §4.D: every interval, ping idle links and destroy failing ones.
// It runs until ctx is cancelled, the same "one task per pool, cancelled
// by the caller's context" shape the teacher gives its backend pumps.
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAllIdle()
		}
	}
}

func (p *Pool) checkAllIdle() {
	p.mu.Lock()
	pools := make([]*instancePool, 0, len(p.instances))
	for _, ip := range p.instances {
		pools = append(pools, ip)
	}
	p.mu.Unlock()

	for _, ip := range pools {
		p.checkIdleLinks(ip)
		p.replenish(ip)
	}
}

func (p *Pool) checkIdleLinks(ip *instancePool) {
	ip.mu.Lock()
	if ip.closed {
		ip.mu.Unlock()
		return
	}
	candidates := ip.idle
	ip.idle = nil
	ip.mu.Unlock()

	var survivors []*Link
	for _, link := range candidates {
		if p.idleTTL > 0 && monotonicNow().Sub(link.lastUsed) > p.idleTTL {
			log.Printf("backend health check: link to %+v evicted past idle ttl", link.Instance)
			p.closeLink(link)
			continue
		}
		if err := ping(link); err != nil {
			log.Printf("backend health check: link to %+v failed liveness ping: %v", link.Instance, err)
			p.closeLink(link)
			continue
		}
		survivors = append(survivors, link)
	}

	ip.mu.Lock()
	if ip.closed {
		ip.mu.Unlock()
		for _, link := range survivors {
			p.closeLink(link)
		}
		return
	}
	ip.idle = append(ip.idle, survivors...)
	ip.mu.Unlock()
}

// replenish mints fresh links, up to the pool's configured minimum idle
// size, after the sweep above may have thinned ip.idle below it (spec
// §4.D: "replenishes up to min-size"). TryAcquire rather than Acquire so
// a saturated pool (every permit already leased) just skips a round
// instead of blocking the shared health check goroutine.
func (p *Pool) replenish(ip *instancePool) {
	if p.minSize <= 0 {
		return
	}
	for {
		ip.mu.Lock()
		closed := ip.closed
		short := p.minSize - len(ip.idle)
		ip.mu.Unlock()
		if closed || short <= 0 {
			return
		}
		if !ip.sem.TryAcquire(1) {
			return
		}

		link, err := p.mint(context.Background(), ip.instance)
		if err != nil {
			ip.sem.Release(1)
			log.Printf("backend health check: min-size replenish of %+v failed: %v", ip.instance.Key, err)
			return
		}

		ip.mu.Lock()
		if ip.closed {
			ip.mu.Unlock()
			ip.sem.Release(1)
			p.closeLink(link)
			return
		}
		ip.idle = append(ip.idle, link)
		ip.mu.Unlock()
		ip.sem.Release(1)
	}
}
