package trace

// DefaultBufferCapacity is the number of entries a capture buffer holds
// before its owner has to flush it.
const DefaultBufferCapacity = 16384

// Buffer is a fixed-capacity entry arena. It is allocated once and reused
// for the lifetime of its producing thread.
type Buffer struct {
	entries []Entry
}

// NewBuffer allocates a buffer for the given number of entries. A capacity
// of zero or less selects DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Capacity returns the number of entries the buffer can hold.
func (b *Buffer) Capacity() int { return len(b.entries) }

// Cursor is the write position into a Buffer. Each producing thread owns
// exactly one cursor and never shares it. A nil *Cursor means recording is
// disabled for that thread; the insertion API propagates nil unchanged.
type Cursor struct {
	buf  *Buffer
	next int
}

// NewCursor returns a cursor at the origin of buf.
func NewCursor(buf *Buffer) *Cursor { return &Cursor{buf: buf} }

// Put stores e at the cursor position and advances. It reports whether the
// buffer is now full; the owner must flush and Reset before the next Put.
// Putting into a full cursor is a caller bug and panics on the slice bound.
func (c *Cursor) Put(e Entry) bool {
	c.buf.entries[c.next] = e
	c.next++
	return c.next == len(c.buf.entries)
}

// Len returns the number of entries put since the last Reset.
func (c *Cursor) Len() int { return c.next }

// Pending returns the entries put since the last Reset. The slice aliases
// the buffer and is invalidated by Reset.
func (c *Cursor) Pending() []Entry { return c.buf.entries[:c.next] }

// Reset returns the cursor to the buffer origin.
func (c *Cursor) Reset() { c.next = 0 }
