package recovery

import (
	"bytes"
)

const (
	headSize = 32
	tailSize = 16
)

// statementCounter counts replayed rows in a SQL dump as it streams past:
// INSERT statements, plus data rows inside COPY ... FROM stdin blocks.
type statementCounter struct {
	head   []byte
	tail   []byte
	inCopy bool
	count  int64
}

func (c *statementCounter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			c.add(p)
			break
		}
		c.add(p[:i])
		c.endLine()
		p = p[i+1:]
	}
	return n, nil
}

func (c *statementCounter) add(b []byte) {
	if room := headSize - len(c.head); room > 0 {
		n := len(b)
		if n > room {
			n = room
		}
		c.head = append(c.head, b[:n]...)
	}
	c.tail = append(c.tail, b...)
	if len(c.tail) > tailSize {
		c.tail = append(c.tail[:0], c.tail[len(c.tail)-tailSize:]...)
	}
}

func (c *statementCounter) endLine() {
	line := bytes.TrimRight(c.head, "\r")
	tail := bytes.TrimRight(c.tail, "\r \t")
	switch {
	case c.inCopy:
		if bytes.Equal(line, []byte(`\.`)) {
			c.inCopy = false
		} else {
			c.count++
		}
	case hasPrefixFold(bytes.TrimLeft(line, " \t"), "INSERT"):
		c.count++
	case hasPrefixFold(line, "COPY ") && bytes.HasSuffix(tail, []byte("FROM stdin;")):
		c.inCopy = true
	}
	c.head = c.head[:0]
	c.tail = c.tail[:0]
}

// Close accounts for a final line without a trailing newline
func (c *statementCounter) Close() error {
	if len(c.head) > 0 {
		c.endLine()
	}
	return nil
}

// Count returns the rows seen so far
func (c *statementCounter) Count() int64 {
	return c.count
}

func hasPrefixFold(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], []byte(prefix))
}
