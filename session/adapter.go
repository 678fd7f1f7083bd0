package session

import "bittorrent/scheduler"

// SchedulerAdapter wraps a *scheduler.Scheduler to satisfy the Scheduler
// interface this package depends on, translating scheduler.Block into the
// narrower SchedulerBlock shape. This file is the only one in package
// session that imports package scheduler; the Scheduler interface itself
// never mentions scheduler's Piece/Block types.
type SchedulerAdapter struct {
	*scheduler.Scheduler
}

func (a SchedulerAdapter) NextRequest(peerID string) (int, SchedulerBlock, bool) {
	piece, block, ok := a.Scheduler.NextRequest(peerID)
	return piece, SchedulerBlock{Offset: block.Offset, Length: block.Length}, ok
}
