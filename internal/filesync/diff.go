package filesync

// mtimeTolerance is the clock skew, in seconds, two hosts may have
// before a modification time difference counts as a change.
const mtimeTolerance = 3

// Diff compares a local and a remote entry list and returns the items
// that must be copied, in a deterministic order: local entries in
// order, then unmatched remote entries in order.
//
// Entries match on (path, kind). Directories and equal-size files that
// match produce nothing. Same-path files of differing size produce an
// item only when their mtimes differ by more than mtimeTolerance, and
// then for the newer side; inside the tolerance nothing is emitted even
// though the contents differ. Neither input is modified.
func Diff(local, remote []Entry) []DiffItem {
	var items []DiffItem

	consumed := make([]bool, len(remote))

	for _, l := range local {
		match := -1

		for j, r := range remote {
			if consumed[j] || r.Path != l.Path || r.Kind != l.Kind {
				continue
			}

			match = j

			if l.IsDir() || l.Size == r.Size {
				break
			}

			switch {
			case r.ModTime-l.ModTime > mtimeTolerance:
				items = append(items, DiffItem{Entry: r, Class: NewerInRemote})
			case l.ModTime-r.ModTime > mtimeTolerance:
				items = append(items, DiffItem{Entry: l, Class: NewerInLocal})
			}
		}

		if match < 0 {
			items = append(items, DiffItem{Entry: l, Class: LocalOnly})
			continue
		}

		consumed[match] = true
	}

	for j, r := range remote {
		if !consumed[j] {
			items = append(items, DiffItem{Entry: r, Class: RemoteOnly})
		}
	}

	return items
}
