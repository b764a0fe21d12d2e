//go:build linux

package target

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// parseMapsLine parses one /proc/PID/maps line, e.g.:
//
//	00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
func parseMapsLine(line string) (VMA, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return VMA{}, fmt.Errorf("target: malformed maps line %q", line)
	}

	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return VMA{}, fmt.Errorf("target: malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(rangeParts[0], 16, 64)
	if err != nil {
		return VMA{}, err
	}
	end, err := strconv.ParseUint(rangeParts[1], 16, 64)
	if err != nil {
		return VMA{}, err
	}

	permStr := fields[1]
	perms := Perms{
		Read:   len(permStr) > 0 && permStr[0] == 'r',
		Write:  len(permStr) > 1 && permStr[1] == 'w',
		Exec:   len(permStr) > 2 && permStr[2] == 'x',
		Shared: len(permStr) > 3 && permStr[3] == 's',
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return VMA{}, err
	}

	var devMajor, devMinor uint32
	if dev := strings.SplitN(fields[3], ":", 2); len(dev) == 2 {
		maj, _ := strconv.ParseUint(dev[0], 16, 32)
		min, _ := strconv.ParseUint(dev[1], 16, 32)
		devMajor, devMinor = uint32(maj), uint32(min)
	}

	inode, _ := strconv.ParseUint(fields[4], 10, 64)

	pathname := ""
	if len(fields) > 5 {
		pathname = strings.Join(fields[5:], " ")
	}

	return VMA{
		Start:      start,
		End:        end,
		Perms:      perms,
		FileOffset: offset,
		DevMajor:   devMajor,
		DevMinor:   devMinor,
		Inode:      inode,
		Pathname:   pathname,
		LeaderIdx:  -1,
	}, nil
}

func readMaps(pid int) ([]VMA, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vmas []VMA
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		v, err := parseMapsLine(scanner.Text())
		if err != nil {
			continue // tolerate the odd malformed line, e.g. a racing unmap
		}
		vmas = append(vmas, v)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return vmas, nil
}
