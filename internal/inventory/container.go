package inventory

import "strings"

const shortContainerIDLength = 12

var scopeRuntimePrefixes = []string{"docker-", "libpod-", "crio-", "cri-containerd-"}

// Tried in order, first match wins.
var containerIDMatchers = []func(cgroup string) (string, bool){
	legacyDockerContainerID,
	runtimeScopeContainerID,
	kubernetesContainerID,
	hexTokenContainerID,
}

// containerID derives a short container id from a cgroup path.
func containerID(cgroup string) (string, bool) {
	for _, match := range containerIDMatchers {
		if id, found := match(cgroup); found {
			return shortContainerID(id), true
		}
	}
	return "", false
}

// /docker/<id>
func legacyDockerContainerID(cgroup string) (string, bool) {
	rest := strings.TrimPrefix(cgroup, "/docker/")
	if rest == cgroup {
		return "", false
	}
	id := strings.SplitN(rest, "/", 2)[0]
	return id, id != ""
}

// .../docker-<id>.scope, libpod-, crio- and cri-containerd- alike.
func runtimeScopeContainerID(cgroup string) (string, bool) {
	for _, segment := range strings.Split(cgroup, "/") {
		if !strings.HasSuffix(segment, ".scope") {
			continue
		}
		segment = strings.TrimSuffix(segment, ".scope")

		for _, prefix := range scopeRuntimePrefixes {
			if !strings.HasPrefix(segment, prefix) {
				continue
			}
			id := strings.TrimPrefix(segment, prefix)
			if len(id) >= shortContainerIDLength && isHex(id) {
				return id, true
			}
		}
	}
	return "", false
}

func kubernetesContainerID(cgroup string) (string, bool) {
	if !strings.Contains(cgroup, "/kubepods") {
		return "", false
	}

	for _, segment := range strings.Split(cgroup, "/") {
		if len(segment) == 64 && isHex(segment) {
			return segment, true
		}
		if len(segment) >= shortContainerIDLength && len(segment) < 64 && isAlphanumeric(segment) {
			return segment, true
		}
	}
	return "", false
}

func hexTokenContainerID(cgroup string) (string, bool) {
	for _, segment := range strings.Split(cgroup, "/") {
		if len(segment) >= shortContainerIDLength && len(segment) <= 64 && isHex(segment) {
			return segment, true
		}
	}
	return "", false
}

func shortContainerID(id string) string {
	if len(id) > shortContainerIDLength {
		return id[:shortContainerIDLength]
	}
	return id
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return s != ""
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return s != ""
}
