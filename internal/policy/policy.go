// Package policy implements per-client-IP security policy for streamgate:
// connection rate limiting and ban-on-abuse in front of the stream
// dispatch handler, so a single abusive client cannot pin every grace slot
// across inputs.
package policy

import (
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iptv-proxy/streamgate/internal/storage"
	"github.com/iptv-proxy/streamgate/internal/util"
)

// Config holds policy configuration.
type Config struct {
	// Banning configuration
	BanningEnabled bool
	BanTimeout     time.Duration // How long to ban an IP
	InvalidPercent float32       // Ratio of failed auth attempts to trigger ban
	CheckThreshold int32         // Minimum attempts before checking ratio
	MalformedLimit int32         // Max malformed requests before ban
	IPSetName      string        // Linux ipset name for kernel-level banning

	// Rate limiting configuration
	RateLimitEnabled bool
	ConnectionLimit  int32         // Max new connections per IP per interval
	ConnectionGrace  time.Duration // Grace period after startup
	LimitJump        int32         // How much to increase limit on a successful credential check

	// Score-based rate limiting
	ScoreEnabled     bool
	MaxScore         int32         // Maximum score before temporary ban
	ScoreResetTime   time.Duration // How often to reset scores
	ScoreTempBanTime time.Duration // How long to temp ban when max score reached

	// Action costs (added to score)
	CostFailedAuth  int32 // Cost for a failed credential check
	CostMalformed   int32 // Cost for malformed request
	CostConnection  int32 // Cost for a new connection attempt
	CostExhausted   int32 // Cost for hitting an exhausted lineup

	// MaxAliasesPerIP is the number of distinct Xtream/M3U logins failing
	// auth from a single IP at which ApplyAuthOutcome treats it as
	// credential stuffing (one IP cycling through many stolen or shared
	// logins) rather than one client mistyping its own password, and bans
	// immediately instead of waiting for CheckThreshold samples. Zero
	// disables the check.
	MaxAliasesPerIP int32

	// Reset intervals
	ResetInterval   time.Duration // How often to reset stats
	RefreshInterval time.Duration // How often to refresh blacklist/whitelist
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		BanningEnabled: true,
		BanTimeout:     30 * time.Minute,
		InvalidPercent: 50.0,
		CheckThreshold: 50,
		MalformedLimit: 5,
		IPSetName:      "",

		RateLimitEnabled: true,
		ConnectionLimit:  20,
		ConnectionGrace:  5 * time.Minute,
		LimitJump:        5,

		ScoreEnabled:     true,
		MaxScore:         100,
		ScoreResetTime:   1 * time.Minute,
		ScoreTempBanTime: 5 * time.Minute,
		CostFailedAuth:   10,
		CostMalformed:    25,
		CostConnection:   1,
		CostExhausted:    2,
		MaxAliasesPerIP:  4,

		ResetInterval:   1 * time.Hour,
		RefreshInterval: 5 * time.Minute,
	}
}

// IPStats tracks per-IP statistics.
type IPStats struct {
	mu             sync.Mutex
	LastBeat       int64 // Timestamp of last activity
	BannedAt       int64 // Timestamp when banned (0 = not banned)
	SuccessfulAuth int32 // Count of successful credential checks
	FailedAuth     int32 // Count of failed credential checks
	Malformed      int32 // Count of malformed requests
	ConnLimit      int32 // Remaining connection allowance
	Banned         int32 // 1 = banned, 0 = not banned
	Score          int32 // Score-based rate limiting score
	LastScoreReset int64 // When score was last reset
	aliases        map[string]struct{} // distinct logins that have failed auth from this IP this window
}

// PolicyServer manages security policies.
type PolicyServer struct {
	config *Config
	redis  *storage.RedisClient

	// Per-IP stats
	statsMu sync.RWMutex
	stats   map[string]*IPStats

	// Blacklist/Whitelist
	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	// Ban channel for async banning
	banChan chan string

	// Timing
	startedAt int64

	// Control
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPolicyServer creates a new policy server.
func NewPolicyServer(cfg *Config, redis *storage.RedisClient) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &PolicyServer{
		config:    cfg,
		redis:     redis,
		stats:     make(map[string]*IPStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		banChan:   make(chan string, 64),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start begins the policy server background tasks.
func (p *PolicyServer) Start() {
	util.Info("Starting policy server...")

	p.refreshLists()

	p.wg.Add(1)
	go p.resetLoop()

	p.wg.Add(1)
	go p.refreshLoop()

	for i := 0; i < 2; i++ {
		p.wg.Add(1)
		go p.banWorker()
	}

	util.Info("Policy server started")
}

// Stop shuts down the policy server.
func (p *PolicyServer) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("Policy server stopped")
}

func (p *PolicyServer) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

func (p *PolicyServer) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.refreshLists()
		}
	}
}

func (p *PolicyServer) banWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case ip := <-p.banChan:
			p.executeBan(ip)
		}
	}
}

// resetStats clears old statistics.
func (p *PolicyServer) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := p.config.BanTimeout.Milliseconds()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed := 0
	unbanned := 0

	for ip, stats := range p.stats {
		stats.mu.Lock()

		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			if atomic.CompareAndSwapInt32(&stats.Banned, 1, 0) {
				unbanned++
				util.Infof("Ban expired for %s", ip)
			}
		}

		if now-stats.LastBeat >= staleTimeout && stats.Banned == 0 {
			stats.mu.Unlock()
			delete(p.stats, ip)
			removed++
			continue
		}

		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

// refreshLists reloads blacklist/whitelist from storage.
func (p *PolicyServer) refreshLists() {
	if p.redis == nil {
		return
	}

	blacklist, err := p.redis.GetBlacklist()
	if err != nil {
		util.Warnf("Failed to load blacklist: %v", err)
	} else {
		p.listMu.Lock()
		p.blacklist = make(map[string]struct{})
		for _, addr := range blacklist {
			p.blacklist[strings.ToLower(addr)] = struct{}{}
		}
		p.listMu.Unlock()
	}

	whitelist, err := p.redis.GetWhitelist()
	if err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
	} else {
		p.listMu.Lock()
		p.whitelist = make(map[string]struct{})
		for _, ip := range whitelist {
			p.whitelist[ip] = struct{}{}
		}
		p.listMu.Unlock()
	}
}

func (p *PolicyServer) getStats(ip string) *IPStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{
			LastBeat:  time.Now().UnixMilli(),
			ConnLimit: p.config.ConnectionLimit,
		}
		p.stats[ip] = stats
	} else {
		stats.LastBeat = time.Now().UnixMilli()
	}

	return stats
}

// IsBanned checks if an IP is currently banned.
func (p *PolicyServer) IsBanned(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}

	stats := p.getStats(ip)
	return atomic.LoadInt32(&stats.Banned) > 0
}

// ApplyConnectionLimit checks and decrements connection limit.
func (p *PolicyServer) ApplyConnectionLimit(ip string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}

	if time.Now().UnixMilli()-p.startedAt < p.config.ConnectionGrace.Milliseconds() {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.ConnLimit--
	return stats.ConnLimit >= 0
}

// ApplyCredentialPolicy checks whether a username (the Xtream/M3U login,
// not a wallet address) is blacklisted, banning the source IP if so.
func (p *PolicyServer) ApplyCredentialPolicy(username, ip string) bool {
	p.listMu.RLock()
	_, blacklisted := p.blacklist[strings.ToLower(username)]
	p.listMu.RUnlock()

	if blacklisted {
		util.Warnf("Blacklisted credential %s from IP %s", username, ip)
		p.BanIP(ip)
		return false
	}

	return true
}

// ApplyMalformedPolicy tracks malformed requests.
func (p *PolicyServer) ApplyMalformedPolicy(ip string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.Malformed++
	if stats.Malformed >= p.config.MalformedLimit {
		stats.mu.Unlock()
		p.BanIP(ip)
		stats.mu.Lock()
		return false
	}

	return true
}

// ApplyAuthOutcome tracks successful/failed credential checks for a login
// attempt from ip and may ban. Two distinct signals feed the decision: a
// failure ratio over enough samples (the usual brute-force tell), and the
// number of distinct logins that have failed from this one IP (the
// credential-stuffing tell: a legitimate Xtream/M3U client always retries
// its own login, while an IP cycling through a batch of stolen or shared
// logins racks up distinct failing usernames fast). The alias signal bans
// immediately rather than waiting for CheckThreshold samples, since a
// handful of distinct failing logins from one IP is already conclusive.
func (p *PolicyServer) ApplyAuthOutcome(ip, username string, success bool) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if success {
		stats.SuccessfulAuth++
		stats.aliases = nil
		if p.config.RateLimitEnabled {
			stats.ConnLimit += p.config.LimitJump
		}
		return true
	}

	stats.FailedAuth++
	if username != "" {
		if stats.aliases == nil {
			stats.aliases = make(map[string]struct{})
		}
		stats.aliases[strings.ToLower(username)] = struct{}{}
	}

	if p.config.MaxAliasesPerIP > 0 && int32(len(stats.aliases)) >= p.config.MaxAliasesPerIP {
		util.Warnf("Banning %s: failed auth for %d distinct logins, credential stuffing suspected", ip, len(stats.aliases))
		stats.mu.Unlock()
		p.BanIP(ip)
		stats.mu.Lock()
		return false
	}

	total := stats.SuccessfulAuth + stats.FailedAuth
	if total < p.config.CheckThreshold {
		return true
	}

	failRatio := float32(stats.FailedAuth) / float32(stats.SuccessfulAuth+1) * 100

	stats.SuccessfulAuth = 0
	stats.FailedAuth = 0
	stats.aliases = nil

	if failRatio >= p.config.InvalidPercent {
		util.Warnf("Banning %s: failed auth ratio %.1f%% >= %.1f%%", ip, failRatio, p.config.InvalidPercent)
		stats.mu.Unlock()
		p.BanIP(ip)
		stats.mu.Lock()
		return false
	}

	return true
}

// AddScore adds to an IP's score and returns false if banned.
func (p *PolicyServer) AddScore(ip string, cost int32) bool {
	if !p.config.ScoreEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now().Unix()

	if now-stats.LastScoreReset >= int64(p.config.ScoreResetTime.Seconds()) {
		stats.Score = 0
		stats.LastScoreReset = now
	}

	stats.Score += cost

	if stats.Score >= p.config.MaxScore {
		util.Warnf("Score limit exceeded for %s: %d >= %d", ip, stats.Score, p.config.MaxScore)
		stats.Score = 0

		if p.config.ScoreTempBanTime > 0 {
			stats.BannedAt = time.Now().UnixMilli()
			atomic.StoreInt32(&stats.Banned, 1)
		}
		return false
	}

	return true
}

// GetScore returns current score for an IP.
func (p *PolicyServer) GetScore(ip string) int32 {
	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.Score
}

// ApplyConnectionScore applies connection cost.
func (p *PolicyServer) ApplyConnectionScore(ip string) bool {
	return p.AddScore(ip, p.config.CostConnection)
}

// ApplyFailedAuthScore applies the cost of a failed credential check.
func (p *PolicyServer) ApplyFailedAuthScore(ip string) bool {
	return p.AddScore(ip, p.config.CostFailedAuth)
}

// ApplyMalformedScore applies malformed request cost.
func (p *PolicyServer) ApplyMalformedScore(ip string) bool {
	return p.AddScore(ip, p.config.CostMalformed)
}

// ApplyExhaustedScore applies the cost of repeatedly hitting an exhausted
// lineup, which usually means a client is hammering a dead input.
func (p *PolicyServer) ApplyExhaustedScore(ip string) bool {
	return p.AddScore(ip, p.config.CostExhausted)
}

// BanIP bans an IP address.
func (p *PolicyServer) BanIP(ip string) {
	if !p.config.BanningEnabled {
		return
	}

	p.listMu.RLock()
	_, whitelisted := p.whitelist[ip]
	p.listMu.RUnlock()

	if whitelisted {
		util.Debugf("IP %s is whitelisted, not banning", ip)
		return
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.BannedAt = time.Now().UnixMilli()
	stats.mu.Unlock()

	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("Banned IP: %s", ip)

		if p.config.IPSetName != "" {
			select {
			case p.banChan <- ip:
			default:
				util.Warn("Ban channel full, skipping ipset for", ip)
			}
		}
	}
}

// executeBan adds IP to kernel ipset.
func (p *PolicyServer) executeBan(ip string) {
	if p.config.IPSetName == "" {
		return
	}

	timeout := int(p.config.BanTimeout.Seconds())
	cmd := exec.Command("sudo", "ipset", "add", p.config.IPSetName, ip, "timeout", strconv.Itoa(timeout), "-!")

	if err := cmd.Run(); err != nil {
		util.Warnf("Failed to add %s to ipset: %v", ip, err)
	} else {
		util.Debugf("Added %s to ipset %s with timeout %ds", ip, p.config.IPSetName, timeout)
	}
}

// IsWhitelisted checks if an IP is whitelisted.
func (p *PolicyServer) IsWhitelisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[ip]
	return ok
}

// IsBlacklisted checks if a credential (username) is blacklisted.
func (p *PolicyServer) IsBlacklisted(username string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(username)]
	return ok
}

// GetStats returns stats for monitoring.
func (p *PolicyServer) GetStats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}

// AddToBlacklist adds a credential to the blacklist.
func (p *PolicyServer) AddToBlacklist(username string) error {
	if p.redis != nil {
		if err := p.redis.AddToBlacklist(username); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.blacklist[strings.ToLower(username)] = struct{}{}
	p.listMu.Unlock()

	return nil
}

// AddToWhitelist adds an IP to the whitelist.
func (p *PolicyServer) AddToWhitelist(ip string) error {
	if p.redis != nil {
		if err := p.redis.AddToWhitelist(ip); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.whitelist[ip] = struct{}{}
	p.listMu.Unlock()

	return nil
}
