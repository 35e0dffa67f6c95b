package layerfs

import (
	"context"
)

// side identifies which of the two walked trees a merged entry came from.
type side int

const (
	sideLeft side = iota
	sideRight
	sideBoth
)

// walkEntry is one directory entry yielded by the walk, tagged with the
// FileId of the directory it was found in on the right-hand tree (used to
// know where to write it in the upper layer being built).
type walkEntry struct {
	key         string
	data        DirectoryEntryData
	rightParent FileId
}

// walkResult pairs a side tag with the entry (or, for sideBoth, the
// left/right pair, of which only the right one is kept since "right wins").
type walkResult struct {
	side  side
	entry walkEntry
}

// walkStream is an ordered, single-directory entry cursor with its
// right-tree parent FileId attached.
type walkStream struct {
	entries     []dirEntry
	pos         int
	rightParent FileId
}

func newWalkStream(fs *LayerFs, fileID, rightParent FileId) (*walkStream, error) {
	r, err := NewDirectoryDataReader(fs, fileID)
	if err != nil {
		return nil, err
	}
	return &walkStream{entries: r.Entries(), rightParent: rightParent}, nil
}

func (w *walkStream) peek() (dirEntry, bool) {
	if w.pos >= len(w.entries) {
		return dirEntry{}, false
	}
	return w.entries[w.pos], true
}

func (w *walkStream) next() (walkEntry, bool) {
	e, ok := w.peek()
	if !ok {
		return walkEntry{}, false
	}
	w.pos++
	return walkEntry{key: e.Name, data: e.Data, rightParent: w.rightParent}, true
}

// streamPair is one level of the walk's explicit stack: left is nil once
// the left tree has no corresponding directory at this level (an entry that
// only exists on the right, recursed into).
type streamPair struct {
	left  *walkStream
	right *walkStream
}

// DoubleFsWalk walks rightFs (a freshly ingested layer) directory by
// directory, yielding, for every entry, whether it also exists (and how) in
// the corresponding directory of leftFs (the stack being merged onto). Both
// sides stream their sorted directory tables in lock-step; directory tables
// are small enough to load wholesale per level.
type DoubleFsWalk struct {
	stack   []streamPair
	leftFs  *LayerFs
	rightFs *LayerFs
}

// NewDoubleFsWalk starts a walk from the roots of leftFs and rightFs.
func NewDoubleFsWalk(ctx context.Context, leftFs, rightFs *LayerFs) (*DoubleFsWalk, error) {
	leftRoot, err := leftFs.Root(ctx)
	if err != nil {
		return nil, err
	}
	rightRoot, err := rightFs.Root(ctx)
	if err != nil {
		return nil, err
	}
	left, err := newWalkStream(leftFs, leftRoot, rightRoot)
	if err != nil {
		return nil, err
	}
	right, err := newWalkStream(rightFs, rightRoot, rightRoot)
	if err != nil {
		return nil, err
	}
	return &DoubleFsWalk{
		stack:   []streamPair{{left: left, right: right}},
		leftFs:  leftFs,
		rightFs: rightFs,
	}, nil
}

// Next returns the next merged entry, or ok=false once the walk is
// exhausted.
func (d *DoubleFsWalk) Next(ctx context.Context) (walkResult, bool, error) {
	var (
		res           walkResult
		leftOfBoth    walkEntry
		sawLeftOfBoth bool
	)
	for {
		if len(d.stack) == 0 {
			return walkResult{}, false, nil
		}
		top := &d.stack[len(d.stack)-1]

		if top.left == nil {
			if entry, ok := top.right.next(); ok {
				res = walkResult{side: sideRight, entry: entry}
				break
			}
			d.stack = d.stack[:len(d.stack)-1]
			continue
		}

		leftEntry, leftOK := top.left.peek()
		rightEntry, rightOK := top.right.peek()

		switch {
		case leftOK && !rightOK:
			entry, _ := top.left.next()
			res = walkResult{side: sideLeft, entry: entry}
		case !leftOK && rightOK:
			entry, _ := top.right.next()
			res = walkResult{side: sideRight, entry: entry}
		case leftOK && rightOK:
			switch {
			case leftEntry.Name < rightEntry.Name:
				entry, _ := top.left.next()
				res = walkResult{side: sideLeft, entry: entry}
			case leftEntry.Name > rightEntry.Name:
				entry, _ := top.right.next()
				res = walkResult{side: sideRight, entry: entry}
			default:
				leftE, _ := top.left.next()
				rightE, _ := top.right.next()
				res = walkResult{side: sideBoth, entry: rightE}
				leftOfBoth, sawLeftOfBoth = leftE, true
			}
		default: // !leftOK && !rightOK
			d.stack = d.stack[:len(d.stack)-1]
			continue
		}
		break
	}

	if err := d.descend(res, leftOfBoth, sawLeftOfBoth); err != nil {
		return walkResult{}, false, err
	}
	return res, true, nil
}

// descend pushes a new stack level when the yielded entry is a directory
// that needs its children walked too. For sideBoth, leftOfBoth carries the
// left tree's own entry at this name (discarded from the yielded result,
// since "right wins", but still needed to locate the left subtree).
func (d *DoubleFsWalk) descend(res walkResult, leftOfBoth walkEntry, sawLeftOfBoth bool) error {
	switch res.side {
	case sideRight:
		if res.entry.data.Kind != FileTypeDirectory {
			return nil
		}
		right, err := newWalkStream(d.rightFs, res.entry.data.FileID, res.entry.data.FileID)
		if err != nil {
			return err
		}
		d.stack = append(d.stack, streamPair{left: nil, right: right})
	case sideBoth:
		if res.entry.data.Kind != FileTypeDirectory {
			// The right entry fully shadows the left one; whatever subtree
			// the left side had at this name is unreachable and isn't
			// walked.
			return nil
		}
		if !sawLeftOfBoth || leftOfBoth.data.Kind != FileTypeDirectory {
			// A right-side directory shadowing a left-side non-directory
			// still has its own children to write; walk it right-only, the
			// same as a directory that only exists on the right.
			right, err := newWalkStream(d.rightFs, res.entry.data.FileID, res.entry.data.FileID)
			if err != nil {
				return err
			}
			d.stack = append(d.stack, streamPair{left: nil, right: right})
			return nil
		}
		left, err := newWalkStream(d.leftFs, leftOfBoth.data.FileID, res.entry.data.FileID)
		if err != nil {
			return err
		}
		right, err := newWalkStream(d.rightFs, res.entry.data.FileID, res.entry.data.FileID)
		if err != nil {
			return err
		}
		d.stack = append(d.stack, streamPair{left: left, right: right})
	}
	return nil
}
