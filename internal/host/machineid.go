package host

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/pkg/errors"
)

// Keys the protected machine id, so the raw id never leaves the host.
const appId = "procpilot-agent"

// MachineId identifies this host in reports. When the OS exposes no machine id the hostname
// is used instead.
func MachineId() (string, error) {
	machineId, err := machineid.ProtectedID(appId)
	if err == nil {
		return machineId, nil
	}

	hostname, hostnameErr := os.Hostname()
	if hostnameErr != nil || hostname == "" {
		return "", errors.WithMessage(err, "get machine id")
	}
	return "host-" + hostname, nil
}
