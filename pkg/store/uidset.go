package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// UID sets are persisted in the IMAP sequence-set text form ("1:5,8,12:20").
// Only closed ranges are ever stored; "*" has no meaning once a snapshot has
// been taken.

// FormatUIDSet renders a set in sequence-set form.
func FormatUIDSet(set imap.UIDSet) string {
	parts := make([]string, 0, len(set))
	for _, r := range set {
		if r.Start == r.Stop {
			parts = append(parts, strconv.FormatUint(uint64(r.Start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", r.Start, r.Stop))
		}
	}
	return strings.Join(parts, ",")
}

// ParseUIDSet parses sequence-set text. The empty string is the empty set.
func ParseUIDSet(s string) (imap.UIDSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var set imap.UIDSet
	for _, part := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(part, ":")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil || start == 0 {
			return nil, fmt.Errorf("bad uid set element %q", part)
		}
		stop := start
		if ok {
			stop, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32)
			if err != nil || stop == 0 {
				return nil, fmt.Errorf("bad uid set element %q", part)
			}
		}
		if stop < start {
			start, stop = stop, start
		}
		set = append(set, imap.UIDRange{Start: imap.UID(start), Stop: imap.UID(stop)})
	}
	return set, nil
}

// ExpandUIDSet lists every UID in the set in ascending order.
func ExpandUIDSet(set imap.UIDSet) []imap.UID {
	var out []imap.UID
	for _, r := range set {
		for u := r.Start; u <= r.Stop; u++ {
			out = append(out, u)
			if u == r.Stop { // guard uint wrap at max UID
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UIDSetFromList builds a compact set from arbitrary UIDs.
func UIDSetFromList(uids []imap.UID) imap.UIDSet {
	if len(uids) == 0 {
		return nil
	}
	sorted := make([]imap.UID, len(uids))
	copy(sorted, uids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var set imap.UIDSet
	start, stop := sorted[0], sorted[0]
	for _, u := range sorted[1:] {
		switch {
		case u == stop || u == stop+1:
			stop = u
		default:
			set = append(set, imap.UIDRange{Start: start, Stop: stop})
			start, stop = u, u
		}
	}
	return append(set, imap.UIDRange{Start: start, Stop: stop})
}

// MaxUID returns the highest UID in the set, or 0 for the empty set.
func MaxUID(set imap.UIDSet) imap.UID {
	var m imap.UID
	for _, r := range set {
		if r.Stop > m {
			m = r.Stop
		}
	}
	return m
}

// MinUID returns the lowest UID in the set, or 0 for the empty set.
func MinUID(set imap.UIDSet) imap.UID {
	var m imap.UID
	for _, r := range set {
		if m == 0 || r.Start < m {
			m = r.Start
		}
	}
	return m
}

// UIDsBelow lists set members strictly below limit, descending (newest
// first), at most n of them.
func UIDsBelow(set imap.UIDSet, limit imap.UID, n int) []imap.UID {
	all := ExpandUIDSet(set)
	var out []imap.UID
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if all[i] < limit {
			out = append(out, all[i])
		}
	}
	return out
}
