package protocol

import (
	"sort"

	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/types"
)

// SessionSource is the stored shape of one session, as either a live log or
// storage rows. Transactions[i] has index Offset+i.
type SessionSource struct {
	SessionID      types.SessionID
	Offset         int
	Transactions   []types.Transaction
	SignatureAfter map[int]crypto.Signature
	LastSignature  crypto.Signature
}

// Total is the number of transactions in the session.
func (s *SessionSource) Total() int {
	return s.Offset + len(s.Transactions)
}

// BuildContent splits everything in sessions beyond known into content
// messages. Session data is cut at recorded signature points, and a new
// message starts when a session repeats or the message outgrows
// MaxRecommendedTxSize. The header is sent only if known lacks it.
// Returns nil when known already covers everything.
func BuildContent(id types.CoID, header *types.Header, priority types.Priority, sessions []SessionSource, known types.KnownState) []*ContentMessage {
	sorted := make([]SessionSource, len(sessions))
	copy(sorted, sessions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SessionID < sorted[j].SessionID })

	var (
		msgs []*ContentMessage
		cur  *ContentMessage
		size int
	)
	start := func() {
		cur = &ContentMessage{ID: id, Priority: priority, New: map[types.SessionID]SessionNewContent{}}
		if len(msgs) == 0 && !known.Header {
			cur.Header = header
		}
		msgs = append(msgs, cur)
		size = 0
	}
	start()

	for i := range sorted {
		s := &sorted[i]
		from := known.Sessions[s.SessionID]
		if from < s.Offset {
			from = s.Offset
		}
		end := s.Total()
		if from >= end {
			continue
		}

		sigPoints := make([]int, 0, len(s.SignatureAfter))
		for idx := range s.SignatureAfter {
			sigPoints = append(sigPoints, idx)
		}
		sort.Ints(sigPoints)

		for from < end {
			segEnd, sig := end, s.LastSignature
			for _, idx := range sigPoints {
				if idx >= from && idx+1 <= end {
					segEnd, sig = idx+1, s.SignatureAfter[idx]
					break
				}
			}
			txs := s.Transactions[from-s.Offset : segEnd-s.Offset]
			segSize := 0
			for j := range txs {
				segSize += txs[j].Size()
			}

			_, repeated := cur.New[s.SessionID]
			if repeated || (size > 0 && size+segSize > types.MaxRecommendedTxSize) {
				start()
			}
			cur.New[s.SessionID] = SessionNewContent{
				After:           from,
				NewTransactions: append([]types.Transaction(nil), txs...),
				LastSignature:   sig,
			}
			size += segSize
			from = segEnd
		}
	}

	if len(msgs) == 1 && len(msgs[0].New) == 0 && msgs[0].Header == nil {
		return nil
	}
	return msgs
}
