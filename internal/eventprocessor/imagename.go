package eventprocessor

import "instrace/internal/hostev"

// imageName accumulates the name of an image load that was split across
// continuation chunks. The agent sends chunks back to back after the load
// packet, so at most one assembly is in flight.
type imageName struct {
	start uint64
	end   uint64
	want  int
	buf   []byte
}

// newImageName starts collecting from the initial load packet. done
// reports whether the name is already complete.
func newImageName(load *hostev.ImageLoadEvent) (asm *imageName, done bool) {
	n := int(load.NameLen)
	if n > len(load.Name) {
		n = len(load.Name)
	}
	asm = &imageName{
		start: load.Start,
		end:   load.End,
		want:  int(load.NameLen),
		buf:   append([]byte(nil), load.Name[:n]...),
	}
	return asm, len(asm.buf) >= asm.want
}

// add appends one continuation chunk and reports completion. Bytes beyond
// the announced name length are dropped.
func (a *imageName) add(chunk *hostev.ImageNameChunkEvent) (done bool) {
	n := int(chunk.DataLen)
	if n > len(chunk.Data) {
		n = len(chunk.Data)
	}
	if rest := a.want - len(a.buf); n > rest {
		n = rest
	}
	a.buf = append(a.buf, chunk.Data[:n]...)
	return len(a.buf) >= a.want
}

// result returns the assembled name and the image address range.
func (a *imageName) result() (name string, start, end uint64) {
	return string(a.buf), a.start, a.end
}
