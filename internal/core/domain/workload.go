package domain

import (
	"fmt"
	"strings"
)

// WorkloadType is the kind of media server a customer's instance runs.
// The set is closed: image and environment selection key off these values
// and nothing else, so no caller-supplied string ever reaches the runtime
// as an image reference.
type WorkloadType string

const (
	WorkloadJellyfin  WorkloadType = "JELLYFIN"
	WorkloadPlex      WorkloadType = "PLEX"
	WorkloadEmby      WorkloadType = "EMBY"
	WorkloadNavidrome WorkloadType = "NAVIDROME"
)

// SupportedWorkloads lists every workload type the orchestrator accepts.
var SupportedWorkloads = []WorkloadType{
	WorkloadJellyfin,
	WorkloadPlex,
	WorkloadEmby,
	WorkloadNavidrome,
}

// ParseWorkloadType validates a caller-supplied workload name.
func ParseWorkloadType(s string) (WorkloadType, error) {
	w := WorkloadType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range SupportedWorkloads {
		if w == known {
			return w, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidWorkloadType, s)
}
