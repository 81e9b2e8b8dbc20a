package oplog

import (
	"encoding/json"
	"sort"

	"github.com/liveboard-dev/liveboard/pkg/metrics"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// FetchBacklogs replays, for each watched thread, every event with an
// ordinal strictly after the client's watermark. Events the identity
// may not see are filtered out; for moderators, recorded origin
// addresses are merged back into historical insert events by decoding
// the stored payload, never by splicing serialized text.
//
// Threads whose history no longer reaches back to the watermark are
// returned in gone rather than silently truncated.
func (l *Log) FetchBacklogs(ident types.Ident, watermarks map[uint64]uint64) (backlog []types.Event, gone []uint64, err error) {
	threads := make([]uint64, 0, len(watermarks))
	for t := range watermarks {
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })

	err = l.store.View(func(tx *storage.Tx) error {
		for _, thread := range threads {
			evs, err := tx.HistoryAfter(thread, watermarks[thread])
			if err == types.ErrHistoryGone || err == types.ErrNotFound {
				gone = append(gone, thread)
				continue
			}
			if err != nil {
				return err
			}

			var ips map[uint64]string
			if ident.Moderator {
				if ips, err = tx.IPs(thread); err != nil {
					return err
				}
			}

			for _, ev := range evs {
				if !ev.VisibleTo(ident) {
					continue
				}
				if len(ips) > 0 && ev.Kind == types.KindInsertPost {
					ev = injectIP(ev, ips)
				}
				backlog = append(backlog, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.BacklogEvents.Observe(float64(len(backlog)))
	return backlog, gone, nil
}

// injectIP rewrites one insert event with the moderator-only origin
// address. The merge is positional by construction: the event is
// modified in place in the replay sequence, so ordering is untouched.
func injectIP(ev types.Event, ips map[uint64]string) types.Event {
	var p types.InsertPostPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ev
	}
	ip, ok := ips[p.Num]
	if !ok {
		return ev
	}
	p.IP = ip
	data, err := json.Marshal(&p)
	if err != nil {
		return ev
	}
	ev.Payload = data
	return ev
}
