package geo

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const DefaultMaxAttempts = 3

type Options struct {
	// Sources defaults to DefaultSources when empty.
	Sources     []Source
	CacheFile   string
	CacheTTL    time.Duration
	MaxAttempts int
	MaxFailures int
	CoolDown    time.Duration
}

// Locator looks IPs up across several sources, skipping unhealthy or
// exhausted ones, and caches the answers.
type Locator struct {
	cache       *Cache
	maxAttempts int
	maxFailures int
	coolDown    time.Duration

	lock    sync.Mutex
	sources []*sourceState

	now     func() time.Time
	pick    func(candidates []*sourceState) *sourceState
	resolve func(ctx context.Context, host string) ([]netip.Addr, error)
}

func NewLocator(opts Options) *Locator {
	sources := opts.Sources
	if len(sources) == 0 {
		sources = DefaultSources(nil, "")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.CoolDown <= 0 {
		opts.CoolDown = defaultCoolDown
	}
	l := &Locator{
		cache:       NewCache(opts.CacheFile, opts.CacheTTL),
		maxAttempts: opts.MaxAttempts,
		maxFailures: opts.MaxFailures,
		coolDown:    opts.CoolDown,
		sources:     lo.Map(sources, func(s Source, _ int) *sourceState { return newSourceState(s) }),
		now:         time.Now,
		pick:        lo.Sample[*sourceState],
		resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	if err := l.cache.Load(); err != nil {
		logrus.Warnf("[Geo] load cache failed: %v", err)
	}
	return l
}

func (l *Locator) Cache() *Cache {
	return l.cache
}

// Flush persists the cache file.
func (l *Locator) Flush() error {
	return l.cache.Flush()
}

// Locate returns the location of ip, or nil when no source could answer.
func (l *Locator) Locate(ctx context.Context, ip string) *Record {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		logrus.Debugf("[Geo] not an ip: %q", ip)
		return nil
	}
	addr = addr.Unmap()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() {
		logrus.Debugf("[Geo] skip non-public address %s", addr)
		return nil
	}
	key := addr.String()
	if rec, ok := l.cache.Get(key); ok {
		return rec
	}

	tried := make(map[string]bool, len(l.sources))
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		st := l.selectSource(tried)
		if st == nil {
			break
		}
		name := st.src.Name()
		tried[name] = true
		rec, err := st.src.Lookup(ctx, key)
		if err == nil && !rec.valid() {
			err = errNoCountry
		}
		if err != nil {
			l.recordFailure(st)
			logrus.Debugf("[Geo] %s lookup %s failed (attempt %d): %v", name, key, attempt+1, err)
			continue
		}
		l.recordSuccess(st)
		rec.normalize()
		rec.IP = key
		rec.Source = name
		rec.Timestamp = l.now()
		l.cache.Put(*rec)
		return rec
	}
	logrus.Debugf("[Geo] no source could locate %s", key)
	return nil
}

// LocateHost resolves host when it is a name and locates the first
// address, preferring IPv4.
func (l *Locator) LocateHost(ctx context.Context, host string) *Record {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return nil
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return l.Locate(ctx, host)
	}
	addrs, err := l.resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		logrus.Debugf("[Geo] resolve %s failed: %v", host, err)
		return nil
	}
	chosen, ok := lo.Find(addrs, func(a netip.Addr) bool { return a.Unmap().Is4() })
	if !ok {
		chosen = addrs[0]
	}
	return l.Locate(ctx, chosen.Unmap().String())
}

var errNoCountry = errors.New("no country in response")

// selectSource picks a random healthy source with quota left that was not
// tried yet. Benched sources return only once their cool-down has elapsed.
// When none qualifies an untried healthy source over its quota is used,
// then an untried benched one, and finally any source at all. Falling back
// never clears a source's state.
func (l *Locator) selectSource(tried map[string]bool) *sourceState {
	if len(l.sources) == 0 {
		return nil
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	now := l.now()

	eligible := l.eligibleLocked(tried, now)
	if len(eligible) == 0 {
		untried := lo.Filter(l.sources, func(st *sourceState, _ int) bool { return !tried[st.src.Name()] })
		eligible = lo.Filter(untried, func(st *sourceState, _ int) bool { return st.healthy })
		if len(eligible) == 0 {
			eligible = untried
		}
		if len(eligible) > 0 {
			logrus.Debugf("[Geo] no healthy source with quota left, falling back to %d untried source(s)", len(eligible))
		}
	}
	if len(eligible) == 0 {
		eligible = l.sources
	}
	st := l.pick(eligible)
	st.takeAt(now)
	return st
}

func (l *Locator) eligibleLocked(tried map[string]bool, now time.Time) []*sourceState {
	return lo.Filter(l.sources, func(st *sourceState, _ int) bool {
		if st.coolDownAt(now, l.coolDown) {
			logrus.Infof("[Geo] source %s back after cool-down", st.src.Name())
		}
		return !tried[st.src.Name()] && st.healthy && st.underLimitAt(now)
	})
}

func (l *Locator) recordFailure(st *sourceState) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if st.recordFailureAt(l.now(), l.maxFailures) {
		logrus.Warnf("[Geo] source %s marked unhealthy after %d failures", st.src.Name(), st.failures)
	}
}

func (l *Locator) recordSuccess(st *sourceState) {
	l.lock.Lock()
	defer l.lock.Unlock()
	st.recordSuccess()
}

// SourceStatus is a snapshot of one source for reporting.
type SourceStatus struct {
	Name     string
	Healthy  bool
	Failures int
	Used     int
	Limit    int
}

func (l *Locator) Status() []SourceStatus {
	l.lock.Lock()
	defer l.lock.Unlock()
	return lo.Map(l.sources, func(st *sourceState, _ int) SourceStatus {
		return SourceStatus{Name: st.src.Name(), Healthy: st.healthy, Failures: st.failures, Used: st.used, Limit: st.limit}
	})
}
