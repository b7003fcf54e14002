package record

import "os"

// probeSnapshot holds whatever the system probe captured at a scope's
// begin or finish, using pointers so a field that's genuinely unavailable
// on the current platform is simply absent from the eventual snapshot
// instead of being zero-filled.
type probeSnapshot struct {
	pid      *int64
	loadavg  *float64
	dyno     *string
	userMs   *float64
	sysMs    *float64
	maxRSS   *int64
	incRSS   *int64
}

// openProbe captures process id, load average, CPU time and max RSS at
// scope-open time, plus any deployment identifier discoverable from the
// environment. Platform-specific capture lives in probe_unix.go /
// probe_other.go.
func openProbe() probeSnapshot {
	p := probeSnapshot{}
	pid := int64(os.Getpid())
	p.pid = &pid
	if dyno := os.Getenv("DYNO"); dyno != "" {
		p.dyno = &dyno
	}
	p.loadavg = readLoadAvg()
	if u, s, rss, ok := readRusage(); ok {
		p.userMs, p.sysMs, p.maxRSS = &u, &s, &rss
	}
	return p
}

// closeProbe recaptures CPU time and max RSS and computes the deltas
// (user_ms, sys_ms, inc_max_rss) plus the absolute max_rss.
func closeProbe(opened probeSnapshot) probeSnapshot {
	p := probeSnapshot{pid: opened.pid, loadavg: opened.loadavg, dyno: opened.dyno}
	u, s, rss, ok := readRusage()
	if !ok || opened.userMs == nil {
		return p
	}
	deltaU := u - *opened.userMs
	deltaS := s - *opened.sysMs
	incRSS := rss - *opened.maxRSS
	p.userMs, p.sysMs, p.maxRSS, p.incRSS = &deltaU, &deltaS, &rss, &incRSS
	return p
}

func (p probeSnapshot) apply(out map[string]any) {
	if p.pid != nil {
		out["pid"] = *p.pid
	}
	if p.loadavg != nil {
		out["loadavg"] = *p.loadavg
	}
	if p.dyno != nil {
		out["dyno"] = *p.dyno
	}
	if p.userMs != nil {
		out["user_ms"] = roundMs(*p.userMs)
	}
	if p.sysMs != nil {
		out["sys_ms"] = roundMs(*p.sysMs)
	}
	if p.maxRSS != nil {
		out["max_rss"] = *p.maxRSS
	}
	if p.incRSS != nil {
		out["inc_max_rss"] = *p.incRSS
	}
}
