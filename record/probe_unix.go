//go:build linux || darwin

package record

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// readRusage samples RUSAGE_SELF via golang.org/x/sys/unix, the same
// package bureau-foundation-bureau uses for raw syscalls elsewhere in the
// pack; there is no higher-level ecosystem wrapper for getrusage in the
// corpus. Go does not expose RUSAGE_THREAD portably, so unlike the
// original's preference for per-thread accounting, this samples the whole
// process.
func readRusage() (userMs, sysMs float64, maxRSS int64, ok bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, 0, false
	}
	userMs = float64(ru.Utime.Sec)*1000 + float64(ru.Utime.Usec)/1000
	sysMs = float64(ru.Stime.Sec)*1000 + float64(ru.Stime.Usec)/1000
	return userMs, sysMs, int64(ru.Maxrss), true
}

// readLoadAvg reads the one-minute load average from /proc/loadavg on
// Linux. Returns nil on platforms (or sandboxes) where it isn't available
// rather than reporting a misleading zero.
func readLoadAvg() *float64 {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return nil
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return &v
}
