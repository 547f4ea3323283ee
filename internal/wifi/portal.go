package wifi

import (
	"context"
	"net/netip"

	"github.com/danmuck/edgenode/internal/store"
)

// Submission is one operator form post. Fields holds only the keys that
// were present.
type Submission struct {
	Fields store.Update
	// Respond receives the result once the record is handled, before the
	// portal is torn down for the reconnect attempt. May be nil.
	Respond func(SubmissionResult)
}

func (s Submission) respond(res SubmissionResult) {
	if s.Respond != nil {
		s.Respond(res)
	}
}

type SubmissionResult struct {
	Saved     bool
	Connected bool
	Page      string
	Err       error
}

// PortalServer is the captive portal the manager runs while in AccessPoint.
// Service is called from Tick on the loop goroutine; it answers pending DNS
// queries and hands at most one queued submission to handle.
type PortalServer interface {
	Start(addr netip.Addr) error
	Stop() error
	SetPage(html string)
	Service(ctx context.Context, handle func(Submission) SubmissionResult) int
}

// PageRenderer builds the portal page for the current record. problem is
// shown to the operator when non-nil.
type PageRenderer func(rec store.Record, apName string, problem error) (string, error)
