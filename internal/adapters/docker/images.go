package docker

import (
	"fmt"

	"github.com/docker/go-connections/nat"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// workloadProfile fixes the image, internal port, environment and data
// mount target for one workload kind. The mapping is closed: callers pick
// a workload type, never an image reference, so no user input can reach
// the runtime as an image string.
type workloadProfile struct {
	image        string
	internalPort nat.Port
	env          []string
	mountTarget  string
}

var workloadProfiles = map[domain.WorkloadType]workloadProfile{
	domain.WorkloadJellyfin: {
		image:        "jellyfin/jellyfin:10.9.11",
		internalPort: "8096/tcp",
		env:          []string{"TZ=UTC", "JELLYFIN_PublishedServerUrl="},
		mountTarget:  "/media",
	},
	domain.WorkloadPlex: {
		image:        "plexinc/pms-docker:1.41.0.8992-8463ad060",
		internalPort: "32400/tcp",
		env:          []string{"TZ=UTC", "PLEX_CLAIM="},
		mountTarget:  "/data",
	},
	domain.WorkloadEmby: {
		image:        "emby/embyserver:4.8.10.0",
		internalPort: "8096/tcp",
		env:          []string{"TZ=UTC"},
		mountTarget:  "/media",
	},
	domain.WorkloadNavidrome: {
		image:        "deluan/navidrome:0.53.3",
		internalPort: "4533/tcp",
		env:          []string{"ND_SCANSCHEDULE=1h", "ND_LOGLEVEL=info"},
		mountTarget:  "/music",
	},
}

func profileFor(w domain.WorkloadType) (workloadProfile, error) {
	p, ok := workloadProfiles[w]
	if !ok {
		return workloadProfile{}, fmt.Errorf("%w: %q has no runtime profile", domain.ErrInvalidWorkloadType, w)
	}
	return p, nil
}
