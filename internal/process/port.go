package process

import (
	"context"
	"os"
	"sort"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// ListenerPIDs returns the ids of processes listening on the TCP port.
// The calling process is never included.
func ListenerPIDs(ctx context.Context, port int) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	seen := make(map[int32]struct{})
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 || c.Pid == self {
			continue
		}
		seen[c.Pid] = struct{}{}
	}
	pids := make([]int32, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}

// KillListeners kills every process tree listening on the TCP port and
// returns the ids of the listeners it signaled.
func KillListeners(ctx context.Context, port int) ([]int32, error) {
	pids, err := ListenerPIDs(ctx, port)
	if err != nil {
		return nil, err
	}
	killed := make([]int32, 0, len(pids))
	for _, pid := range pids {
		p, err := gproc.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		killTree(ctx, p)
		killed = append(killed, pid)
	}
	return killed, nil
}

// killTree kills children before the parent so they are not re-parented and missed.
func killTree(ctx context.Context, p *gproc.Process) {
	children, _ := p.ChildrenWithContext(ctx)
	for _, c := range children {
		killTree(ctx, c)
	}
	_ = p.KillWithContext(ctx)
}
