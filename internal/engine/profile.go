package engine

import (
	"fmt"

	"github.com/tanq16/dlcore/internal/types"
)

// RangeToEnd as an end offset requests everything from the current offset on.
const RangeToEnd int64 = 0

// ConnectionProfile describes one range request. It is passed by value and
// never modified; a retry builds a new one.
type ConnectionProfile struct {
	StartOffset   int64
	CurrentOffset int64
	EndOffset     int64
	// ContentLength is the body length expected for a request at CurrentOffset.
	// Values <= 0 mean unknown (first probe) or chunked.
	ContentLength int64
}

func beginToEndProfile(offset int64) ConnectionProfile {
	return ConnectionProfile{StartOffset: offset, CurrentOffset: offset, EndOffset: RangeToEnd}
}

func profileFromConnection(c types.Connection, total int64) ConnectionProfile {
	return ConnectionProfile{
		StartOffset:   c.StartOffset,
		CurrentOffset: c.CurrentOffset,
		EndOffset:     c.EndOffset,
		ContentLength: c.Remaining(total),
	}
}

// Advance moves the profile to current, recomputing the expected length.
func (p ConnectionProfile) Advance(current, total int64) ConnectionProfile {
	next := p
	next.CurrentOffset = current
	switch {
	case total == types.TotalChunked:
		next.ContentLength = types.TotalChunked
	case p.EndOffset != RangeToEnd:
		next.ContentLength = p.EndOffset - current + 1
	case total > 0:
		next.ContentLength = total - current
	default:
		next.ContentLength = 0
	}
	return next
}

// RangeHeader is the value of the Range header for this profile.
func (p ConnectionProfile) RangeHeader() string {
	if p.EndOffset == RangeToEnd {
		return fmt.Sprintf("bytes=%d-", p.CurrentOffset)
	}
	return fmt.Sprintf("bytes=%d-%d", p.CurrentOffset, p.EndOffset)
}

func (p ConnectionProfile) String() string {
	if p.EndOffset == RangeToEnd {
		return fmt.Sprintf("[%d-) at %d", p.StartOffset, p.CurrentOffset)
	}
	return fmt.Sprintf("[%d-%d] at %d", p.StartOffset, p.EndOffset, p.CurrentOffset)
}
