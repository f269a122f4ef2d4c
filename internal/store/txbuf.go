package store

type opKind int

const (
	opSet opKind = iota
	opMerge
	opDelete
)

type write struct {
	op   opKind
	path string
	data map[string]interface{}
}

// staged is the state a document will have once the transaction commits.
type staged struct {
	path        string
	data        map[string]interface{}
	exists      bool
	baseVersion int64
}

// writeBuffer collects a transaction's writes until commit. Every backend
// embeds one so buffering and read-after-write rules stay identical.
type writeBuffer struct {
	writes []write
	reads  map[string]*Document
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{reads: make(map[string]*Document)}
}

func (b *writeBuffer) beforeRead(path string) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	if len(b.writes) > 0 {
		return ErrReadAfterWrite
	}
	return nil
}

func (b *writeBuffer) recordRead(doc *Document) {
	b.reads[doc.Path] = doc
}

func (b *writeBuffer) Set(path string, data map[string]interface{}) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	b.writes = append(b.writes, write{op: opSet, path: path, data: cloneData(data)})
	return nil
}

func (b *writeBuffer) Merge(path string, fields map[string]interface{}) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	b.writes = append(b.writes, write{op: opMerge, path: path, data: cloneData(fields)})
	return nil
}

func (b *writeBuffer) Delete(path string) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	b.writes = append(b.writes, write{op: opDelete, path: path})
	return nil
}

// needsBase lists written paths whose final state depends on the current
// document (a merge) and that the transaction has not read.
func (b *writeBuffer) needsBase() []string {
	var paths []string
	seen := make(map[string]bool)
	for _, w := range b.writes {
		if w.op != opMerge || seen[w.path] {
			continue
		}
		seen[w.path] = true
		if _, ok := b.reads[w.path]; !ok {
			paths = append(paths, w.path)
		}
	}
	return paths
}

// stage folds the writes, in order, over their base documents. base is
// consulted only for paths the transaction did not read. The result keeps
// first-write order.
func (b *writeBuffer) stage(base func(path string) (*Document, error)) ([]staged, error) {
	state := make(map[string]*staged)
	var order []string

	for _, w := range b.writes {
		s, ok := state[w.path]
		if !ok {
			doc, read := b.reads[w.path]
			if !read {
				var err error
				if doc, err = base(w.path); err != nil {
					return nil, err
				}
			}
			s = &staged{path: w.path, baseVersion: doc.Version}
			if doc.Exists() {
				s.exists = true
				s.data = cloneData(doc.Data)
			}
			state[w.path] = s
			order = append(order, w.path)
		}

		switch w.op {
		case opSet:
			s.data = cloneData(w.data)
			s.exists = true
		case opMerge:
			if !s.exists {
				s.data = map[string]interface{}{}
			}
			for k, v := range w.data {
				s.data[k] = v
			}
			s.exists = true
		case opDelete:
			s.data = nil
			s.exists = false
		}
	}

	out := make([]staged, 0, len(order))
	for _, p := range order {
		out = append(out, *state[p])
	}
	return out, nil
}
