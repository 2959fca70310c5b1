//go:build linux

package hermit

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const maxFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"

// detectCPUFreq returns the host CPU frequency in MHz, or 0 if it
// can't be determined. It prefers cpufreq's maximum; /proc/cpuinfo
// only reports the current frequency, which changes over time, but
// it is all that's available inside some VMs.
func detectCPUFreq() uint32 {
	if b, err := os.ReadFile(maxFreqPath); err == nil {
		// cpuinfo_max_freq is in kHz
		if khz, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
			return uint32(khz / 1000)
		}
	}

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0
	}

	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "cpu MHz") {
			continue
		}

		_, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		mhz, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}

		return uint32(mhz)
	}

	return 0
}
