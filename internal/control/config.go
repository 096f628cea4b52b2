package control

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultRefreshInterval   = 2 * time.Second
	DefaultSchedulerInterval = 5 * time.Second

	minRefreshInterval   = time.Second
	minSchedulerInterval = time.Second
)

type PlaneConfig struct {
	RefreshInterval   time.Duration
	SchedulerInterval time.Duration
	// AutomationPath is where tasks and alerts are saved after every change. Empty disables saving.
	AutomationPath string
}

func (pc *PlaneConfig) Valid() (bool, error) {
	if pc.RefreshInterval <= 0 {
		return false, errors.New("uninitialized refresh interval")
	} else if pc.RefreshInterval < minRefreshInterval {
		return false, errors.Errorf("below minimum allowed refresh interval (min: '%s')",
			minRefreshInterval.String())
	}

	if pc.SchedulerInterval <= 0 {
		return false, errors.New("uninitialized scheduler interval")
	} else if pc.SchedulerInterval < minSchedulerInterval {
		return false, errors.Errorf("below minimum allowed scheduler interval (min: '%s')",
			minSchedulerInterval.String())
	}

	return true, nil
}
