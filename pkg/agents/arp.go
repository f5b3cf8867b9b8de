package agents

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// lookupARP returns the hardware address of ip from an ARP table in the
// /proc/net/arp layout, or "" when the address is not listed.
func lookupARP(r io.Reader, ip string) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		if fields[3] == "00:00:00:00:00:00" {
			continue
		}
		return fields[3], nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("failed to read arp table: %w", err)
	}
	return "", nil
}

func lookupARPFile(path, ip string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open arp table: %w", err)
	}
	defer f.Close()
	return lookupARP(f, ip)
}
