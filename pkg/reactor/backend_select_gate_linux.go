//go:build linux

package reactor

import (
	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/sirupsen/logrus"
)

// minEpollKernel is the oldest kernel version epoll(7) is trustworthy on;
// below it the reactor falls back to select unconditionally, mirroring
// the comment in original_source/src/fevent.c's ev_api_delevent about
// epoll_ctl(2)'s EPOLL_CTL_DEL quirks on kernels older than 2.6.9.
var minEpollKernel = kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 9}

// newBackend decides epoll vs select at runtime by inspecting the
// running kernel version, the same check the teacher's
// pkg/linux/init.go performs (via kernel.GetKernelVersion/
// CompareKernelVersion) before trusting kernel-version-gated struct
// layouts — here gating which multiplexer implementation to trust
// instead, since a pre-built Go binary can't recompile per host the way
// the original's `#ifdef USE_EPOLL` did.
func newBackend() (backend, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		logrus.WithError(err).Warn("reactor: could not determine kernel version, falling back to select")
		return newSelectBackendImpl()
	}
	if kernel.CompareKernelVersion(*v, minEpollKernel) < 0 {
		logrus.WithField("kernel", v.String()).Warn("reactor: kernel older than 2.6.9, falling back to select")
		return newSelectBackendImpl()
	}
	return newEpollBackend()
}
