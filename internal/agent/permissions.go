package agent

import (
	"sync"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// pendingPermission bridges one adapter permission request to a human
// decision. The resolver fires exactly once; later resolutions are no-ops.
type pendingPermission struct {
	request *api.PermissionRequest

	once sync.Once
	ch   chan acp.PermissionResponse
}

func newPendingPermission(req *api.PermissionRequest) *pendingPermission {
	return &pendingPermission{
		request: req,
		ch:      make(chan acp.PermissionResponse, 1),
	}
}

// resolve delivers the response. Returns true on the first call only.
func (p *pendingPermission) resolve(resp acp.PermissionResponse) bool {
	resolved := false
	p.once.Do(func() {
		p.ch <- resp
		resolved = true
	})
	return resolved
}

// wait blocks until the permission is resolved or cancel fires.
func (p *pendingPermission) wait(cancel <-chan struct{}) (acp.PermissionResponse, bool) {
	select {
	case resp := <-p.ch:
		return resp, true
	case <-cancel:
		return acp.PermissionResponse{}, false
	}
}
