package inventory

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultProcRoot = "/proc"

// Index of the nice value in /proc/<pid>/stat, counted from the state field.
const statNiceIndex = 16

// procFS reads the Linux-specific details gopsutil does not expose. Every reader returns false
// when the information is unavailable, so enrichment degrades instead of failing.
type procFS struct {
	root string
}

type procStat struct {
	state string
	nice  int
}

func newProcFS(root string) *procFS {
	return &procFS{root: root}
}

func (fs *procFS) path(pid int32, elem ...string) string {
	return filepath.Join(append([]string{fs.root, strconv.Itoa(int(pid))}, elem...)...)
}

// stat parses state and nice from /proc/<pid>/stat. The command name may contain spaces and
// parentheses, so fields are counted after the last ')'.
func (fs *procFS) stat(pid int32) (procStat, bool) {
	content, err := os.ReadFile(fs.path(pid, "stat"))
	if err != nil {
		return procStat{}, false
	}

	end := bytes.LastIndexByte(content, ')')
	if end < 0 {
		return procStat{}, false
	}
	fields := strings.Fields(string(content[end+1:]))
	if len(fields) <= statNiceIndex {
		return procStat{}, false
	}

	nice, err := strconv.Atoi(fields[statNiceIndex])
	if err != nil {
		return procStat{}, false
	}
	return procStat{state: fields[0], nice: nice}, true
}

// cgroup returns the first non-root cgroup path of pid.
func (fs *procFS) cgroup(pid int32) (string, bool) {
	file, err := os.Open(fs.path(pid, "cgroup"))
	if err != nil {
		return "", false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		// hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if path := parts[2]; path != "" && path != "/" {
			return path, true
		}
	}
	return "", false
}

// namespaceIDs maps namespace type to inode for every link under /proc/<pid>/ns.
func (fs *procFS) namespaceIDs(pid int32) (map[string]uint64, bool) {
	dir := fs.path(pid, "ns")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}

	namespaces := make(map[string]uint64, len(entries))
	for _, entry := range entries {
		link, err := os.Readlink(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if inode, found := namespaceInode(link); found {
			namespaces[entry.Name()] = inode
		}
	}

	if len(namespaces) == 0 {
		return nil, false
	}
	return namespaces, true
}

// namespaceInode parses links of the form "net:[4026531840]".
func namespaceInode(link string) (uint64, bool) {
	start := strings.IndexByte(link, '[')
	end := strings.LastIndexByte(link, ']')
	if start < 0 || end <= start+1 {
		return 0, false
	}

	inode, err := strconv.ParseUint(link[start+1:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
