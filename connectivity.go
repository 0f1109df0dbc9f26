package capsule

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Quality is the coarse connection tier derived from link metadata.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityMedium  Quality = "medium"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
)

// ConnectionState is the prober's current belief about reachability.
type ConnectionState struct {
	Online  bool    `json:"online"`
	Quality Quality `json:"quality"`
}

// LinkInfo carries what the platform knows about the active link.
// Downlink is in Mbps; zero means unknown.
type LinkInfo struct {
	Downlink      float64 `json:"downlink,omitempty"`
	EffectiveType string  `json:"effectiveType,omitempty"`
	SaveData      bool    `json:"saveData,omitempty"`
}

const (
	DefaultHealthPath    = "/api/health"
	DefaultProbeTimeout  = 3 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

func classifyLink(info LinkInfo) Quality {
	switch {
	case info.EffectiveType == "slow-2g" || info.EffectiveType == "2g":
		return QualityPoor
	case info.Downlink > 0 && info.Downlink < 0.5:
		return QualityPoor
	case info.EffectiveType == "3g":
		return QualityMedium
	case info.Downlink > 0 && info.Downlink < 2:
		return QualityMedium
	default:
		return QualityGood
	}
}

func qualityEvent(q Quality) string {
	switch q {
	case QualityPoor:
		return EventPoorConnection
	case QualityMedium:
		return EventMediumConnection
	case QualityGood:
		return EventGoodConnection
	}
	return ""
}

// ============================================================================
// ConnectivityService
// ============================================================================

// ConnectivityConfig configures a ConnectivityService.
type ConnectivityConfig struct {
	// HealthURL is probed with HEAD; a 2xx response means reachable.
	HealthURL     string
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	HTTPClient    *http.Client
	Logger        logrus.FieldLogger
	Metrics       *Metrics
}

// ConnectivityService is the single writer of ConnectionState. It combines
// optimistic platform signals with explicit probes of the API health endpoint.
type ConnectivityService struct {
	*emitter

	healthURL  string
	timeout    time.Duration
	interval   time.Duration
	httpClient *http.Client
	log        logrus.FieldLogger
	metrics    *Metrics
	now        func() time.Time

	mu        sync.Mutex
	state     ConnectionState
	link      *LinkInfo
	onOnline  []func()
	onOffline []func()
	stopCh    chan struct{}
}

// NewConnectivityService creates a prober that starts out believing it is online,
// as the platform flag usually does at startup.
func NewConnectivityService(cfg ConnectivityConfig) *ConnectivityService {
	c := &ConnectivityService{
		emitter:    newEmitter(),
		healthURL:  cfg.HealthURL,
		timeout:    cfg.ProbeTimeout,
		interval:   cfg.ProbeInterval,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
		state:      ConnectionState{Online: true, Quality: QualityGood},
	}
	if c.timeout == 0 {
		c.timeout = DefaultProbeTimeout
	}
	if c.interval == 0 {
		c.interval = DefaultProbeInterval
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("component", "connectivity")
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	c.metrics.Online.Set(1)
	c.metrics.setQuality(QualityGood)
	return c
}

// State returns a copy of the current connection state.
func (c *ConnectivityService) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOnline reports the current belief.
func (c *ConnectivityService) IsOnline() bool {
	return c.State().Online
}

// Link returns the last link metadata, if any was reported.
func (c *ConnectivityService) Link() (LinkInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return LinkInfo{}, false
	}
	return *c.link, true
}

// OnOnline registers fn for offline→online transitions. fn must not block.
func (c *ConnectivityService) OnOnline(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOnline = append(c.onOnline, fn)
}

// OnOffline registers fn for online→offline transitions. fn must not block.
func (c *ConnectivityService) OnOffline(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffline = append(c.onOffline, fn)
}

// SetOnline applies a platform online/offline signal. It is optimistic; the
// next probe corroborates or overrides it.
func (c *ConnectivityService) SetOnline(online bool) {
	c.setState(online)
}

// SetLinkInfo applies a link metadata change and reclassifies quality.
func (c *ConnectivityService) SetLinkInfo(info LinkInfo) {
	c.mu.Lock()
	c.link = &info
	prev := c.state.Quality
	if c.state.Online {
		c.state.Quality = classifyLink(info)
	}
	next := c.state.Quality
	c.mu.Unlock()

	if next != prev {
		c.qualityChanged(next)
	}
}

// CheckNetworkStatus probes the health endpoint and updates the state. It never
// fails; any error or non-2xx answer counts as offline.
func (c *ConnectivityService) CheckNetworkStatus(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sep := "?"
	if strings.Contains(c.healthURL, "?") {
		sep = "&"
	}
	u := c.healthURL + sep + "_t=" + strconv.FormatInt(c.now().UnixNano(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		c.log.WithError(err).Warn("build probe request")
		c.metrics.ProbesTotal.WithLabelValues("error").Inc()
		c.setState(false)
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).Debug("probe failed")
		c.metrics.ProbesTotal.WithLabelValues("unreachable").Inc()
		c.setState(false)
		return false
	}
	resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok {
		c.metrics.ProbesTotal.WithLabelValues("reachable").Inc()
	} else {
		c.log.WithField("status", resp.StatusCode).Debug("probe returned non-2xx")
		c.metrics.ProbesTotal.WithLabelValues("unhealthy").Inc()
	}
	c.setState(ok)
	return ok
}

// Foreground re-probes immediately, as when the page becomes visible again.
func (c *ConnectivityService) Foreground(ctx context.Context) bool {
	return c.CheckNetworkStatus(ctx)
}

// Start probes once and then every ProbeInterval until Stop or ctx is done.
func (c *ConnectivityService) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.mu.Unlock()

	go func() {
		c.CheckNetworkStatus(ctx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				c.CheckNetworkStatus(ctx)
			}
		}
	}()
}

// Stop ends the periodic probe loop.
func (c *ConnectivityService) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *ConnectivityService) setState(online bool) {
	c.mu.Lock()
	prev := c.state
	c.state.Online = online
	switch {
	case !online:
		c.state.Quality = QualityOffline
	case !prev.Online:
		c.state.Quality = QualityGood
		if c.link != nil {
			c.state.Quality = classifyLink(*c.link)
		}
	}
	next := c.state
	var callbacks []func()
	if prev.Online != online {
		if online {
			callbacks = append(callbacks, c.onOnline...)
		} else {
			callbacks = append(callbacks, c.onOffline...)
		}
	}
	c.mu.Unlock()

	if prev.Online != online {
		if online {
			c.log.Info("connection restored")
			c.metrics.Online.Set(1)
			c.emit(EventOnline, next)
		} else {
			c.log.Warn("connection lost")
			c.metrics.Online.Set(0)
			c.emit(EventOffline, next)
		}
		for _, fn := range callbacks {
			fn()
		}
	}
	if prev.Quality != next.Quality {
		c.qualityChanged(next.Quality)
	}
}

func (c *ConnectivityService) qualityChanged(q Quality) {
	c.metrics.setQuality(q)
	if ev := qualityEvent(q); ev != "" {
		c.log.WithField("quality", q).Debug("connection quality changed")
		c.emit(ev, q)
	}
}
